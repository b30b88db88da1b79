package config

import (
	"fmt"
	"os"
)

func Template() string {
	return daemonTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(daemonTemplate), 0o600)
}

const daemonTemplate = `name = "mavctl"
system_id = 97
component_id = 97
heartbeat = true
heartbeat_interval = "1s"
schemas = []

[transport]
kind = "udp-server"
address = ":14550"
max_connect_attempts = 5

[signing]
enabled = false
link_id = 0
passphrase = ""

[admin]
addr = "127.0.0.1:7080"
cors_origins = ["http://localhost:3000"]
tap_rate = 50.0
# bearer token required by POST /messages/send; empty leaves it open
token = ""
`
