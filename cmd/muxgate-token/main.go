// Muxgate-token — mints credentials accepted by the muxgate gateway.
//
// Two formats are supported: a claims token for the Authorization header
// or token query parameter, and a session cookie value for the
// muxgate_session cookie. The signing secret comes from
// MUXGATE_TOKEN_SECRET or the -secret flag.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/muxgate/muxgate/internal/auth"
	"github.com/muxgate/muxgate/internal/config"
	"github.com/muxgate/muxgate/internal/util"
)

func main() {
	format := flag.String("format", "token", "Output format: token or cookie")
	subject := flag.String("sub", "", "Subject claim")
	session := flag.String("sid", "", "Session id claim")
	scope := flag.String("scope", "tunnel", "Space-separated scope claim")
	ttl := flag.Duration("ttl", time.Hour, "Token lifetime")
	secretFlag := flag.String("secret", "", "Signing secret (defaults to "+config.EnvTokenSecret+")")
	flag.Parse()

	secret := *secretFlag
	if secret == "" {
		secret = os.Getenv(config.EnvTokenSecret)
	}
	if secret == "" {
		util.LogError("no signing secret: set %s or pass -secret", config.EnvTokenSecret)
		os.Exit(1)
	}

	claims := auth.NewSessionClaims(*subject, *session, *scope, time.Now(), *ttl)

	var out string
	var err error
	switch *format {
	case "token":
		out, err = auth.SignClaimsToken(claims, []byte(secret))
	case "cookie":
		out, err = auth.SignSessionCookie(claims, []byte(secret))
	default:
		util.LogError("unknown -format %q (expected token or cookie)", *format)
		os.Exit(1)
	}
	if err != nil {
		util.LogError("signing failed: %v", err)
		os.Exit(1)
	}

	fmt.Println(out)
}
