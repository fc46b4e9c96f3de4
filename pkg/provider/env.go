package provider

import (
	"fmt"
	"strings"

	"github.com/eclipsemd/botdeck/pkg/utils"
	"go.uber.org/zap"
)

// FromEnv builds the provider selected by PROVIDER (heroku, k8s or fake).
func FromEnv(logger *zap.Logger) (Provider, error) {
	kind := strings.ToLower(utils.Env("PROVIDER", "fake"))
	switch kind {
	case "heroku":
		keys := utils.EnvList("HEROKU_API_KEYS")
		if len(keys) == 0 {
			keys = utils.EnvList("HEROKU_API_KEY")
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("PROVIDER=heroku needs HEROKU_API_KEYS")
		}
		creds := make([]Credential, 0, len(keys))
		for i, k := range keys {
			creds = append(creds, Credential{
				Name: fmt.Sprintf("heroku-%d", i+1),
				Backend: NewHeroku(logger, HerokuOpts{
					APIKey:    k,
					BaseURL:   utils.Env("HEROKU_API_URL", ""),
					Region:    utils.Env("HEROKU_REGION", ""),
					Stack:     utils.Env("HEROKU_STACK", ""),
					Buildpack: utils.Env("HEROKU_BUILDPACK", ""),
					SourceURL: utils.Env("BOT_SOURCE_URL", ""),
					Formation: utils.Env("HEROKU_FORMATION", ""),
				}),
			})
		}
		return NewPool(logger, creds, PoolOpts{
			Order:           Order(utils.Env("HEROKU_KEY_ORDER", string(OrderFixed))),
			BreakerFailures: utils.EnvInt("PROVIDER_BREAKER_FAILURES", 3),
			BreakerCooldown: utils.EnvDuration("PROVIDER_BREAKER_COOLDOWN", 0),
		}), nil
	case "k8s", "kubernetes":
		k, err := NewK8sFromEnv(logger)
		if err != nil {
			return nil, err
		}
		return NewPool(logger, []Credential{{Name: "k8s", Backend: k}}, PoolOpts{}), nil
	case "fake":
		logger.Warn("using in-memory fake provider, bots are not actually deployed")
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown PROVIDER %q", kind)
	}
}
