package behavior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfleet/carsim/infra/logger"
)

type fakeHost struct {
	id    string
	attrs map[string]any
	sent  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{id: "dev-1", attrs: map[string]any{}}
}

func (h *fakeHost) DeviceID() string { return h.id }

func (h *fakeHost) GetAttribute(name string) (any, bool) {
	v, ok := h.attrs[name]
	return v, ok
}

func (h *fakeHost) SetAttribute(name string, value any) { h.attrs[name] = value }

func (h *fakeHost) SendMessage(name string) { h.sent = append(h.sent, name) }

func TestCacheCompileOnce(t *testing.T) {
	c := NewCache()
	src := "setAttribute('status', 'ready')"
	p1, err := c.Program("arch-1", "onInit", nil, src)
	require.NoError(t, err)
	require.NotNil(t, p1)
	p2, err := c.Program("arch-1", "onInit", nil, src)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, c.CompileCount())
}

func TestCacheInvalidSentinel(t *testing.T) {
	c := NewCache()
	src := "this is not javascript ("
	_, err := c.Program("arch-1", "onInit", nil, src)
	require.ErrorIs(t, err, ErrInvalidHook)

	// Second call returns nil/nil without recompiling.
	p, err := c.Program("arch-1", "onInit", nil, src)
	assert.Nil(t, p)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.CompileCount())
}

func TestCacheKeyedPerModelAndSignature(t *testing.T) {
	c := NewCache()
	src := "log('tick')"
	_, err := c.Program("arch-1", "onRunning", nil, src)
	require.NoError(t, err)
	_, err = c.Program("arch-2", "onRunning", nil, src)
	require.NoError(t, err)
	_, err = c.Program("arch-1", "onRunning", []string{"message"}, src)
	require.NoError(t, err)
	assert.Equal(t, 3, c.CompileCount())
}

func TestRunnerInvokesHostAPI(t *testing.T) {
	c := NewCache()
	host := newFakeHost()
	host.attrs["speed"] = 10.0
	src := `
var s = getAttribute('speed');
setAttribute('speed', s + 5);
sendMessage('position');
log('advanced');`
	prog, err := c.Program("arch-1", "onRunning", nil, src)
	require.NoError(t, err)

	r := NewRunner(host, logger.NopLogger{})
	key := Key("arch-1", "onRunning", nil, src)
	require.NoError(t, r.Invoke(key, prog, nil))
	assert.InDelta(t, 15.0, host.attrs["speed"], 1e-9)
	assert.Equal(t, []string{"position"}, host.sent)
}

func TestRunnerPassesDeclaredArguments(t *testing.T) {
	c := NewCache()
	host := newFakeHost()
	src := "setAttribute('lastCmd', message.name)"
	args := []string{"message"}
	prog, err := c.Program("arch-1", "onMessageReception", args, src)
	require.NoError(t, err)

	r := NewRunner(host, logger.NopLogger{})
	key := Key("arch-1", "onMessageReception", args, src)
	err = r.Invoke(key, prog, []any{map[string]any{"name": "unlock"}})
	require.NoError(t, err)
	assert.Equal(t, "unlock", host.attrs["lastCmd"])
}

func TestRunnerRuntimeErrorDoesNotStopNextInvocation(t *testing.T) {
	c := NewCache()
	host := newFakeHost()
	src := `
if (getAttribute('boom') === null) {
    setAttribute('boom', true);
    throw new Error('first call fails');
}
setAttribute('ok', true);`
	prog, err := c.Program("arch-1", "onRunning", nil, src)
	require.NoError(t, err)

	r := NewRunner(host, logger.NopLogger{})
	key := Key("arch-1", "onRunning", nil, src)
	err = r.Invoke(key, prog, nil)
	require.Error(t, err)

	require.NoError(t, r.Invoke(key, prog, nil))
	assert.Equal(t, true, host.attrs["ok"])
}
