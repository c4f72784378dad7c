package config

// Translation defaults group. Tools that translate model output read their
// provider/model pair from here instead of taking flags.
const (
	translationProviderKey = "translation.provider"
	translationModelKey    = "translation.default_model"
)

// TranslationProvider returns the provider preferred for translation calls.
func (s *Store) TranslationProvider() string {
	return s.GetString(translationProviderKey, "ollama")
}

// TranslationModel returns the default translation model, empty when unset.
func (s *Store) TranslationModel() string {
	return s.GetString(translationModelKey, "")
}

// SetTranslationDefaults stores the preferred translation pair.
func (s *Store) SetTranslationDefaults(provider, model string) {
	s.Set(translationProviderKey, provider)
	s.Set(translationModelKey, model)
}
