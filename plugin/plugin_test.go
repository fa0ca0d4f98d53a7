package plugin

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPlugin struct {
	factoryName string
	config      any
	destroyed   atomic.Bool
}

func (p *mockPlugin) FactoryName() string { return p.factoryName }

// mockFactoryForTest implements Factory for tests.
type mockFactoryForTest struct {
	name         string
	setupError   error
	reloadError  error
	setupCount   int32
	destroyCount int32
	reloadCount  int32
}

func (f *mockFactoryForTest) Type() Type   { return "mock" }
func (f *mockFactoryForTest) Name() string { return f.name }

func (f *mockFactoryForTest) Setup(cfg any) (Plugin, error) {
	atomic.AddInt32(&f.setupCount, 1)
	if f.setupError != nil {
		return nil, f.setupError
	}
	return &mockPlugin{factoryName: f.name, config: cfg}, nil
}

func (f *mockFactoryForTest) Destroy(p Plugin) error {
	atomic.AddInt32(&f.destroyCount, 1)
	if mp, ok := p.(*mockPlugin); ok {
		mp.destroyed.Store(true)
	}
	return nil
}

func (f *mockFactoryForTest) Reload(p Plugin, cfg any) error {
	atomic.AddInt32(&f.reloadCount, 1)
	if f.reloadError != nil {
		return f.reloadError
	}
	p.(*mockPlugin).config = cfg
	return nil
}

func TestRegisterAndSetup(t *testing.T) {
	f := &mockFactoryForTest{name: "alpha"}
	RegisterPlugin(f)
	defer UnregisterPlugin("mock", "alpha")

	got, err := GetFactory("mock", "alpha")
	require.NoError(t, err)
	assert.Same(t, f, got)

	ins, err := Setup("mock", "alpha", "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", ins.FactoryName())
	assert.Equal(t, "cfg-1", ins.(*mockPlugin).config)

	require.NoError(t, got.Reload(ins, "cfg-2"))
	assert.Equal(t, "cfg-2", ins.(*mockPlugin).config)

	require.NoError(t, got.Destroy(ins))
	assert.True(t, ins.(*mockPlugin).destroyed.Load())
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.setupCount))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.reloadCount))
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.destroyCount))
}

func TestSetupError(t *testing.T) {
	boom := errors.New("boom")
	RegisterPlugin(&mockFactoryForTest{name: "broken", setupError: boom})
	defer UnregisterPlugin("mock", "broken")

	_, err := Setup("mock", "broken", nil)
	assert.ErrorIs(t, err, boom)
}

func TestGetFactoryNotFound(t *testing.T) {
	RegisterPlugin(&mockFactoryForTest{name: "present"})
	defer UnregisterPlugin("mock", "present")

	_, err := GetFactory("mock", "absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "present")
}

func TestListFactories(t *testing.T) {
	RegisterPlugin(&mockFactoryForTest{name: "b"})
	RegisterPlugin(&mockFactoryForTest{name: "a"})
	defer UnregisterPlugin("mock", "a")
	defer UnregisterPlugin("mock", "b")

	assert.Equal(t, []string{"a", "b"}, ListFactories("mock"))
	assert.Empty(t, ListFactories("nothing"))
}

func TestRegisterConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	names := []string{"c0", "c1", "c2", "c3", "c4", "c5", "c6", "c7"}
	for _, n := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			RegisterPlugin(&mockFactoryForTest{name: name})
			_, _ = GetFactory("mock", name)
		}(n)
	}
	wg.Wait()
	defer func() {
		for _, n := range names {
			UnregisterPlugin("mock", n)
		}
	}()

	assert.Len(t, ListFactories("mock"), len(names))
}
