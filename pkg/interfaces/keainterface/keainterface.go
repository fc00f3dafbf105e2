package keainterface

import (
	"context"

	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
)

type KeaClient interface {
	Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error)
}
