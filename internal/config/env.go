package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides applies environment variable overrides.  Environment
// variables take precedence over the YAML file; all use the PAYPROC_
// prefix.  The gateway credentials in particular are expected to arrive
// through the environment rather than the config file.
func (c *Config) applyEnvOverrides() {
	setBoolIfEnv(&c.Daemon.Live, "PAYPROC_LIVE")
	setIfEnv(&c.Daemon.Socket, "PAYPROC_SOCKET")
	setIfEnv(&c.Daemon.Journal, "PAYPROC_JOURNAL")
	setIfEnv(&c.Daemon.Euroxref, "PAYPROC_EUROXREF")
	setUIDListIfEnv(&c.Daemon.AllowedUIDs, "PAYPROC_ALLOWED_UIDS")
	setUIDListIfEnv(&c.Daemon.AdminUIDs, "PAYPROC_ADMIN_UIDS")

	setIfEnv(&c.Logging.Level, "PAYPROC_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PAYPROC_LOG_FORMAT")

	setIfEnv(&c.Stripe.SecretKey, "PAYPROC_STRIPE_SECRET_KEY")
	setIfEnv(&c.Paypal.SecretKey, "PAYPROC_PAYPAL_SECRET_KEY")
	setIfEnv(&c.Paypal.ReceiverEmail, "PAYPROC_PAYPAL_RECEIVER_EMAIL")

	setIfEnv(&c.Database.PreorderPath, "PAYPROC_PREORDER_DB")
	setIfEnv(&c.Database.AccountPath, "PAYPROC_ACCOUNT_DB")

	setIfEnv(&c.Keys.DatabaseKey, "PAYPROC_DATABASE_KEY")
	setIfEnv(&c.Keys.BackofficeKey, "PAYPROC_BACKOFFICE_KEY")

	setIfEnv(&c.Metrics.Address, "PAYPROC_METRICS_ADDRESS")
}

// setIfEnv sets target to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets target from an environment variable.  "1", "true",
// "TRUE" and "True" are true.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setUIDListIfEnv parses a comma separated UID list.  Malformed entries
// are skipped.
func setUIDListIfEnv(target *[]int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var uids []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if uid, err := strconv.Atoi(part); err == nil && uid >= 0 {
			uids = append(uids, uid)
		}
	}
	*target = uids
}
