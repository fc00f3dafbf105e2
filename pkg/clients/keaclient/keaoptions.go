package keaclient

import (
	"net"
	"time"
)

type KeaOption interface {
	apply(*keaClient)
}

type optionFunc func(*keaClient)

func (of optionFunc) apply(cfg *keaClient) { of(cfg) }

// OptionServerString accepts "host" or "host:port". The Kea Control Agent
// port 8000 is used when none is given.
func OptionServerString(serverstring string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		host, port, err := net.SplitHostPort(serverstring)
		if err != nil {
			cfg.BaseUrl = serverstring
			cfg.Port = DefaultPort
			return
		}
		cfg.BaseUrl = host
		cfg.Port = port
	})
}

func OptionHost(host string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.BaseUrl = host
	})
}

func OptionPort(port string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.Port = port
	})
}

// TLS and HTTP options
func OptionTLS(caFile, certFile, keyFile string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.CACertPath = caFile
		cfg.ClientCertPath = certFile
		cfg.ClientKeyPath = keyFile
	})
}

func OptionInsecureSkipVerify(insecure bool) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.InsecureSkipVerify = insecure
	})
}

func OptionServerName(serverName string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.ServerName = serverName
	})
}

func OptionTimeout(d time.Duration) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		if d <= 0 {
			return
		}
		cfg.Timeout = d
		if cfg.HttpClient != nil {
			cfg.HttpClient.Timeout = d
		}
	})
}

// OptionBasicAuth sets credentials for a Control Agent with basic
// authentication enabled. An empty user disables it.
func OptionBasicAuth(user, password string) KeaOption {
	return optionFunc(func(cfg *keaClient) {
		cfg.Username = user
		cfg.Password = password
	})
}
