package source

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig describes a directory-backed user source. Each matching
// entry becomes one row, with multi-valued attributes becoming lists.
type LDAPConfig struct {
	URL          string `yaml:"url"` // ldap:// or ldaps://
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
	BaseDN       string `yaml:"base_dn"`
	Filter       string `yaml:"filter"`
	// Attributes limits which entry attributes are ingested; empty means
	// all attributes the server returns.
	Attributes []string `yaml:"attributes"`
	UseTLS     bool     `yaml:"use_tls"`
	SkipVerify bool     `yaml:"skip_tls_verify"`
	TimeoutSec int      `yaml:"timeout_seconds"`
}

func (c *LDAPConfig) timeout() time.Duration {
	if c.TimeoutSec > 0 {
		return time.Duration(c.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

func (c *LDAPConfig) connect() (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: c.timeout()}
	conn, err := ldap.DialURL(c.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(c.timeout())

	if c.UseTLS {
		host := c.URL
		if u, err := url.Parse(c.URL); err == nil {
			host = u.Hostname()
		}
		if err := conn.StartTLS(&tls.Config{ServerName: host, InsecureSkipVerify: c.SkipVerify}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if c.BindDN != "" {
		if err := conn.Bind(c.BindDN, c.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to bind: %w", err)
		}
	}
	return conn, nil
}

// Search runs the configured query and converts entries to rows.
func (c *LDAPConfig) Search() ([]Row, error) {
	if c.BaseDN == "" {
		return nil, fmt.Errorf("ldap source requires base_dn")
	}
	filterExpr := c.Filter
	if filterExpr == "" {
		filterExpr = "(objectClass=person)"
	}

	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		c.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filterExpr,
		c.Attributes,
		nil,
	)
	res, err := conn.SearchWithPaging(req, 500)
	if err != nil {
		return nil, fmt.Errorf("ldap search failed: %w", err)
	}

	rows := make([]Row, 0, len(res.Entries))
	for _, entry := range res.Entries {
		row := Row{"dn": entry.DN}
		for _, attr := range entry.Attributes {
			switch len(attr.Values) {
			case 0:
			case 1:
				row[attr.Name] = attr.Values[0]
			default:
				row[attr.Name] = append([]string(nil), attr.Values...)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
