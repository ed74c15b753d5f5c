package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for the log
// directory a sandbox host writes to. owner is the "user group" pair the
// rotated file is recreated with.
func GenerateLogrotateConfig(dir, owner string) string {
	if dir == "" {
		dir = DefaultLogDir
	}
	return fmt.Sprintf(`# Logrotate configuration for sandboxd
# Install: copy this file to /etc/logrotate.d/sandboxd

%s/*.log {
    daily
    rotate 7
    compress
    delaycompress
    missingok
    notifempty
    create 0644 %s
    copytruncate
}
`, dir, owner)
}
