// Command wsbridge-token mints HS256 device tokens accepted by the gateway.
//
//	wsbridge-token -client-id sensor-01 -role sensor -ttl 72h
//
// The secret comes from -secret, WSBRIDGE_JWT_SECRET or the auth section of
// a gateway config file given with -config.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c360/wsbridge/auth"
	"github.com/c360/wsbridge/config"
)

type options struct {
	configPath string
	secret     string
	issuer     string
	audience   string
	clientID   string
	role       string
	deviceType string
	publish    string
	subscribe  string
	ttl        time.Duration
	asJSON     bool
}

type output struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, "wsbridge-token:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if err := opts.resolve(); err != nil {
		return err
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:   []byte(opts.secret),
		Issuer:   opts.issuer,
		Audience: opts.audience,
		TTL:      opts.ttl,
	})
	if err != nil {
		return err
	}

	token, exp, err := issuer.Issue(auth.TokenRequest{
		ClientID:   opts.clientID,
		Role:       opts.role,
		DeviceType: opts.deviceType,
		Publish:    splitPatterns(opts.publish),
		Subscribe:  splitPatterns(opts.subscribe),
	})
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(output{Token: token, ClientID: opts.clientID, Role: opts.role, ExpiresAt: exp})
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("wsbridge-token", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&o.configPath, "config", "", "Gateway config file to read the secret, issuer and audience from")
	fs.StringVar(&o.secret, "secret", "", "HS256 signing secret (env: WSBRIDGE_JWT_SECRET)")
	fs.StringVar(&o.issuer, "issuer", "", "Token issuer (default "+auth.DefaultIssuer+")")
	fs.StringVar(&o.audience, "audience", "", "Token audience (default "+auth.DefaultAudience+")")
	fs.StringVar(&o.clientID, "client-id", "", "Device client id, stored as the token subject")
	fs.StringVar(&o.role, "role", auth.RoleSensor, "Role preset: sensor, actuator, admin, monitor or a configured role")
	fs.StringVar(&o.deviceType, "device-type", "", "Device type claim")
	fs.StringVar(&o.publish, "pub", "", "Comma-separated publish patterns overriding the role preset")
	fs.StringVar(&o.subscribe, "sub", "", "Comma-separated subscribe patterns overriding the role preset")
	fs.DurationVar(&o.ttl, "ttl", auth.DefaultTTL, "Token lifetime")
	fs.BoolVar(&o.asJSON, "json", false, "Print the token with its claims summary as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return o, nil
}

// resolve fills unset values from the config file and the environment, then
// checks the request.
func (o *options) resolve() error {
	if o.configPath != "" {
		// Only the auth section is read; the file is not validated.
		loader := config.NewLoader()
		loader.AddLayer(o.configPath)
		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		if o.secret == "" {
			o.secret = cfg.Auth.JWTSecret
		}
		if o.issuer == "" {
			o.issuer = cfg.Auth.Issuer
		}
		if o.audience == "" {
			o.audience = cfg.Auth.Audience
		}
		if _, ok := cfg.Roles()[o.role]; !ok {
			return fmt.Errorf("unknown role %q", o.role)
		}
	} else if _, ok := auth.DefaultRoles()[o.role]; !ok && o.publish == "" && o.subscribe == "" {
		return fmt.Errorf("unknown role %q; pass -pub/-sub or -config with custom roles", o.role)
	}

	if o.secret == "" {
		o.secret = os.Getenv("WSBRIDGE_JWT_SECRET")
	}
	if o.secret == "" {
		return fmt.Errorf("a signing secret is required (-secret, WSBRIDGE_JWT_SECRET or -config)")
	}
	if o.clientID == "" {
		return fmt.Errorf("-client-id is required")
	}
	if o.ttl <= 0 {
		return fmt.Errorf("-ttl must be positive")
	}
	return nil
}

// splitPatterns returns nil for an empty flag so the role preset applies.
func splitPatterns(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
