package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "link":
		return linkTemplate, nil
	case "mailboxd":
		return mailboxdTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const linkTemplate = `name = "card0"
fifo_depth_words = 1024

[board]
name = "xilinx_u250_gen3x16"
serial = "21330621T04E"
firmware = "2.16.204"
reset_command = ""

[mgmt]
name = "mgmt"
hardware = true
tick_period = "100ms"
poll_interval = "50us"
poll_burst = 16
max_message_size = 1048576
fragment_ttl_ticks = 2
peer_dead_threshold = 3

[mgmt.retry]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[user]
name = "user"
hardware = true
tick_period = "100ms"
poll_interval = "50us"
poll_burst = 16
max_message_size = 1048576
fragment_ttl_ticks = 2
peer_dead_threshold = 3

[user.retry]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
`

const mailboxdTemplate = `link_config = "cmd/mailboxd/link.toml"
admin_addr = "127.0.0.1:7400"
admin_token = ""
cors_origins = ["http://localhost:3000"]
request_ttl = "2s"
request_attempts = 3
probe_interval = "1s"
status_interval = "10s"
`
