// Command keygen generates an Ed25519 keypair for signing the JWTs the
// Attach and webhook endpoints accept as bearer credentials, and can mint
// tokens from that keypair. Trimmed from the teacher's cmd/bridge-ca to just
// the jwt-keygen and jwt-mint subcommands: there is no mTLS peer or CA to
// issue certs for in this daemon (see DESIGN.md).
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/markcallen/agentbridged/internal/auth"
	"github.com/markcallen/agentbridged/internal/pki"
)

func main() {
	out := flag.String("out", "certs/", "output directory for generated keypairs")
	name := flag.String("name", "agentbridged", "base filename for the generated key pair")

	mint := flag.Bool("mint", false, "mint a JWT instead of generating a keypair")
	key := flag.String("key", "", "private key path to mint with (required with -mint)")
	issuer := flag.String("issuer", "agentbridged", "JWT issuer claim")
	audience := flag.String("audience", "bridge", "JWT audience claim")
	sub := flag.String("sub", "", "JWT subject claim (required with -mint)")
	session := flag.String("session", "", "session name to scope the token to (empty for unscoped)")
	ttl := flag.Duration("ttl", 5*time.Minute, "token lifetime")
	flag.Parse()

	if *mint {
		if *key == "" || *sub == "" {
			fmt.Fprintln(os.Stderr, "error: -mint requires -key and -sub")
			os.Exit(1)
		}
		priv, err := pki.LoadEd25519PrivateKey(*key)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		iss := &auth.JWTIssuer{
			Issuer:   *issuer,
			Audience: *audience,
			Key:      priv,
			TTL:      *ttl,
		}
		token, err := iss.Mint(*sub, *session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	pubPath, privPath, err := pki.GenerateJWTKeypair(*out, *name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("public key:  %s\n", pubPath)
	fmt.Printf("private key: %s\n", privPath)
}
