package testutil

import (
	"fmt"
	"net/url"
)

// NewTestDSN generates a DSN for an in-memory SQLite database for testing
// purposes. Connections opened with the same name share one database.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", url.PathEscape(testName))
}
