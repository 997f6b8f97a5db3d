package credential

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/ticketpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("credential",
	fx.Provide(NewKeySource),
	fx.Provide(New),
)

func NewKeySource(cfg config.Config) (KeySource, error) {
	if cfg.CredentialKeySecretID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return NewSecretsManagerKeySource(ctx, cfg.CredentialKeySecretID)
	}
	return StaticKeySource(cfg.CredentialEncryptionKey), nil
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Source KeySource
}

// New resolves the key once at startup. A missing key is not fatal here: the
// store reports ErrKeyMissing on use so deployments without providers boot.
func New(p Params) (*Store, error) {
	log := p.Log.Named("credential.store")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := p.Source.Secret(ctx)
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			log.Warn("credential encryption key not configured; provider credentials are unavailable")
			return NewStore(""), nil
		}
		return nil, err
	}

	log.Info("credential store initialized")
	return NewStore(secret), nil
}
