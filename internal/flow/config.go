package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// Config holds interpreter policy. Zero fields are filled from the struct-tag defaults by NewConfig.
type Config struct {
	DefaultLocale   string `yaml:"default_locale" default:"en" validate:"required"`
	HistoryCapacity int    `yaml:"history_capacity" default:"30" validate:"gte=1,lte=1000"`
	MaxAutoAdvance  int    `yaml:"max_auto_advance" default:"100" validate:"gte=1,lte=10000"`

	// SearchThreshold is the local result count below which external results are merged in.
	SearchThreshold int           `yaml:"search_threshold" default:"3" validate:"gte=0"`
	SearchLimit     int           `yaml:"search_limit" default:"20" validate:"gte=1,lte=500"`
	CacheTTL        time.Duration `yaml:"cache_ttl" default:"15m" validate:"gt=0"`

	GalleryLimit int           `yaml:"gallery_limit" default:"5" validate:"gte=1,lte=50"`
	GalleryDelay time.Duration `yaml:"gallery_delay" default:"300ms" validate:"gte=0"`

	// SessionIdleTimeout resets sessions left inside a flow for longer than this. Zero disables expiry.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" validate:"gte=0"`

	MenuCommands  []string `yaml:"menu_commands" default:"[\"/start\",\"/menu\"]" validate:"min=1,dive,required"`
	BackCommands  []string `yaml:"back_commands" default:"[\"/back\"]" validate:"dive,required"`
	ManagerPrefix string   `yaml:"manager_prefix" default:"mgr:" validate:"required"`

	Texts Texts `yaml:"texts"`
}

// Texts are the interpreter's own user-visible strings.
type Texts struct {
	InvalidChoice models.LocalizedText `yaml:"invalid_choice"`
	BackButton    models.LocalizedText `yaml:"back_button"`
	MenuButton    models.LocalizedText `yaml:"menu_button"`
	ContactButton models.LocalizedText `yaml:"contact_button"`
}

var configValidator = validator.New()

// NewConfig applies defaults to cfg and validates the result.
func NewConfig(cfg Config) (Config, error) {
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to apply flow config defaults: %w", err)
	}
	cfg.Texts.applyDefaults()
	if err := configValidator.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return Config{}, fmt.Errorf("invalid flow config: %s", strings.Join(msgs, "; "))
		}
		return Config{}, fmt.Errorf("invalid flow config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	cfg, err := NewConfig(Config{})
	if err != nil {
		panic(err)
	}
	return cfg
}

func (t *Texts) applyDefaults() {
	fill := func(dst *models.LocalizedText, def string, byLocale map[string]string) {
		if dst.Default == "" {
			dst.Default = def
		}
		if dst.ByLocale == nil {
			dst.ByLocale = byLocale
		}
	}
	fill(&t.InvalidChoice, "Please choose one of the options below.", map[string]string{
		"ru": "Пожалуйста, выберите один из вариантов ниже.",
		"uz": "Iltimos, quyidagi variantlardan birini tanlang.",
	})
	fill(&t.BackButton, "⬅️ Back", map[string]string{"ru": "⬅️ Назад", "uz": "⬅️ Orqaga"})
	fill(&t.MenuButton, "🏠 Menu", map[string]string{"ru": "🏠 Меню", "uz": "🏠 Menyu"})
	fill(&t.ContactButton, "📱 Share contact", map[string]string{"ru": "📱 Отправить контакт", "uz": "📱 Kontaktni yuborish"})
}
