package gateway

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// fakeHandler is a minimal in-memory handler for routing tests.
type fakeHandler struct {
	platform  platform.PlatformType
	required  []string
	cfg       platform.Config
	messages  []platform.Message
	panicOn   bool
	closed    int
	closeErr  error
	sendCalls int
}

func (f *fakeHandler) PlatformType() platform.PlatformType { return f.platform }
func (f *fakeHandler) RequiredConfigFields() []string      { return f.required }

func (f *fakeHandler) ValidateConfig() bool {
	ok, _ := f.cfg.HasFields(f.required)
	return ok
}

func (f *fakeHandler) IsEnabled() bool { return f.cfg.Enabled() }

func (f *fakeHandler) ParseMessage(raw map[string]interface{}) *platform.Message { return nil }

func (f *fakeHandler) HandleWebhook(body []byte, signature string) []platform.Message {
	if f.panicOn {
		panic("handler bug")
	}
	return f.messages
}

func (f *fakeHandler) SendResponse(resp platform.Response, original platform.Message) bool {
	f.sendCalls++
	return true
}

func (f *fakeHandler) Close() error {
	f.closed++
	return f.closeErr
}

func enabledFake(t platform.PlatformType) *fakeHandler {
	return &fakeHandler{
		platform: t,
		cfg:      platform.Config{"enabled": true},
	}
}

func fakeConstructor(h *fakeHandler) Constructor {
	return func(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
		h.cfg = cfg
		return h, nil
	}
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	err := r.Register(platform.PlatformSlack, fakeConstructor(&fakeHandler{platform: platform.PlatformSlack}))
	assert.NoError(t, err)

	_, ok := r.Constructor(platform.PlatformSlack)
	assert.True(t, ok)
	_, ok = r.Constructor(platform.PlatformLine)
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	ctor := fakeConstructor(&fakeHandler{platform: platform.PlatformSlack})

	require.NoError(t, r.Register(platform.PlatformSlack, ctor))
	assert.Error(t, r.Register(platform.PlatformSlack, ctor))
}

func TestRegistry_RejectsNilConstructor(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(platform.PlatformSlack, nil))
}

func TestRegistry_RejectsUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	err := r.Register("irc", fakeConstructor(&fakeHandler{}))
	assert.Error(t, err)
	assert.Empty(t, r.AvailablePlatforms())
}

func TestRegistry_AvailablePlatformsSorted(t *testing.T) {
	r := NewRegistry()
	for _, p := range []platform.PlatformType{platform.PlatformTelegram, platform.PlatformDiscord, platform.PlatformLine} {
		require.NoError(t, r.Register(p, fakeConstructor(&fakeHandler{platform: p})))
	}

	assert.Equal(t, []platform.PlatformType{
		platform.PlatformDiscord,
		platform.PlatformLine,
		platform.PlatformTelegram,
	}, r.AvailablePlatforms())
}

func TestFactory_CreateHandler(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandler{platform: platform.PlatformSlack, required: []string{"bot_token"}}
	require.NoError(t, r.Register(platform.PlatformSlack, fakeConstructor(h)))
	f := NewFactory(r, zerolog.Nop())

	got := f.CreateHandler(platform.PlatformSlack, platform.Config{
		"enabled":   true,
		"bot_token": "xoxb-1",
	})
	assert.NotNil(t, got)
}

func TestFactory_SkipsDisabled(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandler{platform: platform.PlatformSlack}
	require.NoError(t, r.Register(platform.PlatformSlack, fakeConstructor(h)))
	f := NewFactory(r, zerolog.Nop())

	assert.Nil(t, f.CreateHandler(platform.PlatformSlack, platform.Config{"enabled": false}))
}

func TestFactory_SkipsIncompleteConfig(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandler{platform: platform.PlatformSlack, required: []string{"bot_token"}}
	require.NoError(t, r.Register(platform.PlatformSlack, fakeConstructor(h)))
	f := NewFactory(r, zerolog.Nop())

	assert.Nil(t, f.CreateHandler(platform.PlatformSlack, platform.Config{"enabled": true}))
}

func TestFactory_SkipsUnregisteredPlatform(t *testing.T) {
	f := NewFactory(NewRegistry(), zerolog.Nop())
	assert.Nil(t, f.CreateHandler(platform.PlatformSlack, platform.Config{"enabled": true}))
}

func TestFactory_ConstructionErrorYieldsNil(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(platform.PlatformSlack, func(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error) {
		return nil, errors.New("boom")
	}))
	f := NewFactory(r, zerolog.Nop())

	assert.Nil(t, f.CreateHandler(platform.PlatformSlack, platform.Config{"enabled": true}))
}

func TestFactory_CreateEnabledHandlers(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(platform.PlatformSlack, fakeConstructor(&fakeHandler{platform: platform.PlatformSlack})))
	require.NoError(t, r.Register(platform.PlatformTelegram, fakeConstructor(&fakeHandler{platform: platform.PlatformTelegram})))
	f := NewFactory(r, zerolog.Nop())

	handlers := f.CreateEnabledHandlers(PlatformSections{
		"slack":    {"enabled": true},
		"telegram": {"enabled": false},
		"irc":      {"enabled": true}, // unknown section, skipped
	})
	require.Len(t, handlers, 1)
	assert.Equal(t, platform.PlatformSlack, handlers[0].PlatformType())
}

func TestConfigValidator_ReportsAllProblems(t *testing.T) {
	r := NewRegistry()
	slack := &fakeHandler{platform: platform.PlatformSlack, required: []string{"signing_secret", "bot_token"}}
	require.NoError(t, r.Register(platform.PlatformSlack, fakeConstructor(slack)))
	v := NewConfigValidator(r, zerolog.Nop())

	problems := v.Validate(PlatformSections{
		"slack":    {"enabled": true},
		"telegram": {"enabled": true}, // enabled but not built into this registry
		"discord":  {"enabled": false},
	})

	assert.Len(t, problems[platform.PlatformSlack], 2)
	assert.Len(t, problems[platform.PlatformTelegram], 1)
	assert.NotContains(t, problems, platform.PlatformDiscord)
}

func TestConfigValidator_CleanConfig(t *testing.T) {
	r := NewRegistry()
	h := &fakeHandler{platform: platform.PlatformTelegram, required: []string{"bot_token"}}
	require.NoError(t, r.Register(platform.PlatformTelegram, fakeConstructor(h)))
	v := NewConfigValidator(r, zerolog.Nop())

	problems := v.Validate(PlatformSections{
		"telegram": {"enabled": true, "bot_token": "123:abc"},
	})
	assert.Empty(t, problems)
}

func TestManager_RegisterHandler(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := enabledFake(platform.PlatformSlack)

	assert.True(t, m.RegisterHandler(h))

	got, ok := m.Handler(platform.PlatformSlack)
	assert.True(t, ok)
	assert.Equal(t, h, got)
}

func TestManager_RefusesNilHandler(t *testing.T) {
	m := NewManager(zerolog.Nop())
	assert.False(t, m.RegisterHandler(nil))
}

func TestManager_RefusesDisabledHandler(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := &fakeHandler{platform: platform.PlatformSlack, cfg: platform.Config{"enabled": false}}

	assert.False(t, m.RegisterHandler(h))
	assert.Empty(t, m.EnabledPlatforms())
}

func TestManager_RefusesInvalidConfig(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := &fakeHandler{
		platform: platform.PlatformSlack,
		required: []string{"bot_token"},
		cfg:      platform.Config{"enabled": true},
	}

	assert.False(t, m.RegisterHandler(h))
}

func TestManager_ReplacementClosesPrevious(t *testing.T) {
	m := NewManager(zerolog.Nop())
	first := enabledFake(platform.PlatformSlack)
	second := enabledFake(platform.PlatformSlack)

	require.True(t, m.RegisterHandler(first))
	require.True(t, m.RegisterHandler(second))

	assert.Equal(t, 1, first.closed)
	got, _ := m.Handler(platform.PlatformSlack)
	assert.Equal(t, second, got)
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := enabledFake(platform.PlatformSlack)
	require.True(t, m.RegisterHandler(h))

	assert.True(t, m.Unregister(platform.PlatformSlack))
	assert.Equal(t, 1, h.closed)
	assert.False(t, m.Unregister(platform.PlatformSlack))
}

func TestManager_HandleWebhook(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := enabledFake(platform.PlatformSlack)
	h.messages = []platform.Message{{ID: "m1", Content: "hi"}}
	require.True(t, m.RegisterHandler(h))

	messages, known := m.HandleWebhook(platform.PlatformSlack, []byte("{}"), "")
	assert.True(t, known)
	require.Len(t, messages, 1)
	assert.Equal(t, "m1", messages[0].ID)
}

func TestManager_HandleWebhookUnknownPlatform(t *testing.T) {
	m := NewManager(zerolog.Nop())

	messages, known := m.HandleWebhook(platform.PlatformDiscord, []byte("{}"), "")
	assert.False(t, known)
	assert.Nil(t, messages)
}

func TestManager_HandleWebhookRecoversPanic(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h := enabledFake(platform.PlatformSlack)
	h.panicOn = true
	require.True(t, m.RegisterHandler(h))

	messages, known := m.HandleWebhook(platform.PlatformSlack, []byte("{}"), "")
	assert.True(t, known)
	assert.Nil(t, messages)

	// The manager stays serviceable after a handler panic.
	sane := enabledFake(platform.PlatformTelegram)
	assert.True(t, m.RegisterHandler(sane))
}

func TestManager_EnabledPlatformsSorted(t *testing.T) {
	m := NewManager(zerolog.Nop())
	require.True(t, m.RegisterHandler(enabledFake(platform.PlatformTelegram)))
	require.True(t, m.RegisterHandler(enabledFake(platform.PlatformDiscord)))

	assert.Equal(t, []platform.PlatformType{
		platform.PlatformDiscord,
		platform.PlatformTelegram,
	}, m.EnabledPlatforms())
}

func TestManager_Close(t *testing.T) {
	m := NewManager(zerolog.Nop())
	a := enabledFake(platform.PlatformSlack)
	b := enabledFake(platform.PlatformTelegram)
	b.closeErr = errors.New("close failed")
	require.True(t, m.RegisterHandler(a))
	require.True(t, m.RegisterHandler(b))

	err := m.Close()
	assert.Error(t, err)
	assert.Equal(t, 1, a.closed)
	assert.Equal(t, 1, b.closed)
	assert.Empty(t, m.EnabledPlatforms())
}
