package tab

import (
	"context"
	"fmt"

	"github.com/jmcleod/sessionkeeper/identity"
)

// LocalSignIn signs in with `login <uid> <email>`.
func LocalSignIn(p *identity.LocalProvider) SignInFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) != 2 {
			return fmt.Errorf("%w: login <uid> <email>", ErrUsage)
		}
		_, err := p.SignIn(ctx, args[0], args[1])
		return err
	}
}

// OIDCSignIn signs in with `login <refresh-token>`.
func OIDCSignIn(p *identity.OIDCProvider) SignInFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("%w: login <refresh-token>", ErrUsage)
		}
		_, err := p.SignInWithRefreshToken(ctx, args[0])
		return err
	}
}
