package guard

import (
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// Config holds the routing and token settings guards and their hosts need.
type Config interface {
	GetSignInRoute() string
	GetDefaultRoute() string
	GetLandingRoute(role Role) string
	GetLoadingTimeout() time.Duration
	GetSigningKey() string
	GetTokenTTL() time.Duration
	GetIssuer() string
	GetAudience() []string
	GetCookieName() string
}

type RoutesConfig struct {
	SignIn  string          `yaml:"sign_in" json:"sign_in"`
	Default string          `yaml:"default" json:"default"`
	Landing map[Role]string `yaml:"landing" json:"landing"`
}

func (r RoutesConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SignIn, validation.Required, validation.By(absolutePath)),
		validation.Field(&r.Default, validation.Required, validation.By(absolutePath)),
	)
}

type TokenConfig struct {
	SigningKey string        `yaml:"signing_key" json:"-"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	Issuer     string        `yaml:"issuer" json:"issuer"`
	Audience   []string      `yaml:"audience" json:"audience"`
	CookieName string        `yaml:"cookie_name" json:"cookie_name"`

	// RetiredKeys still verify tokens after a signing key rotation.
	RetiredKeys []string `yaml:"retired_keys" json:"-"`
}

func (t TokenConfig) RetiredKeyBytes() [][]byte {
	keys := make([][]byte, 0, len(t.RetiredKeys))
	for _, key := range t.RetiredKeys {
		keys = append(keys, []byte(key))
	}
	return keys
}

func (t TokenConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&t.TTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&t.CookieName, validation.Required),
	)
}

type RedisConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" json:"dsn"`
}

// BaseConfig is the file backed Config.
type BaseConfig struct {
	Addr           string         `yaml:"addr" json:"addr"`
	LoadingTimeout time.Duration  `yaml:"loading_timeout" json:"loading_timeout"`
	Routes         RoutesConfig   `yaml:"routes" json:"routes"`
	Token          TokenConfig    `yaml:"token" json:"token"`
	Redis          RedisConfig    `yaml:"redis" json:"redis"`
	Database       DatabaseConfig `yaml:"database" json:"database"`
}

// DefaultConfig returns the settings used for anything a config file leaves
// out.
func DefaultConfig() BaseConfig {
	return BaseConfig{
		Addr:           ":8080",
		LoadingTimeout: 5 * time.Second,
		Routes: RoutesConfig{
			SignIn:  "/auth",
			Default: "/",
			Landing: map[Role]string{
				RoleAdmin:  "/admin",
				RoleFarmer: "/farmer",
			},
		},
		Token: TokenConfig{
			TTL:        24 * time.Hour,
			Issuer:     "khet-portal",
			Audience:   []string{"khet-portal"},
			CookieName: "khet_session",
		},
		Redis: RedisConfig{
			Prefix: "khet:session:",
		},
		Database: DatabaseConfig{
			DSN: "file:khet.db?cache=shared",
		},
	}
}

// SigningKeyEnv overrides token.signing_key when set.
const SigningKeyEnv = "KHET_SIGNING_KEY"

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
// An empty path validates the defaults alone.
func LoadConfig(path string) (BaseConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, errors.CategoryNotFound, "unable to read config file").
				WithMetadata(map[string]any{"path": path})
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Wrap(err, errors.CategoryBadInput, "unable to parse config file").
				WithMetadata(map[string]any{"path": path})
		}
	}

	if len(cfg.Routes.Landing) == 0 {
		cfg.Routes.Landing = DefaultConfig().Routes.Landing
	}
	if key := os.Getenv(SigningKeyEnv); key != "" {
		cfg.Token.SigningKey = key
	}

	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c BaseConfig) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Addr, validation.Required),
		validation.Field(&c.LoadingTimeout, validation.Required),
		validation.Field(&c.Routes),
		validation.Field(&c.Token),
	)
	if err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "invalid configuration")
	}
	return nil
}

func (c BaseConfig) GetSignInRoute() string {
	return c.Routes.SignIn
}

func (c BaseConfig) GetDefaultRoute() string {
	return c.Routes.Default
}

// GetLandingRoute returns where a role lands after sign in, the default route
// for roles without one.
func (c BaseConfig) GetLandingRoute(role Role) string {
	if route, ok := c.Routes.Landing[role]; ok && route != "" {
		return route
	}
	return c.Routes.Default
}

func (c BaseConfig) GetLoadingTimeout() time.Duration {
	return c.LoadingTimeout
}

func (c BaseConfig) GetSigningKey() string {
	return c.Token.SigningKey
}

func (c BaseConfig) GetTokenTTL() time.Duration {
	return c.Token.TTL
}

func (c BaseConfig) GetIssuer() string {
	return c.Token.Issuer
}

func (c BaseConfig) GetAudience() []string {
	return c.Token.Audience
}

func (c BaseConfig) GetCookieName() string {
	return c.Token.CookieName
}

func absolutePath(value any) error {
	s, _ := value.(string)
	if s != "" && !strings.HasPrefix(s, "/") {
		return errors.New("must be an absolute path", errors.CategoryValidation)
	}
	return nil
}
