package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/querywatch/internal/config"
)

// ApplicationName is reported to PostgreSQL for every connection.
const ApplicationName = "querymon"

// BuildConnString builds a PostgreSQL connection URL from config.
// User and password are escaped; an empty SSL mode means "prefer".
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
