package correlation

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_RecordAck(t *testing.T) {
	t.Run("maps both directions", func(t *testing.T) {
		m := NewMemory()
		m.RecordAck("o123", "pkg-ABCD")

		external, ok := m.External("o123")
		assert.True(t, ok)
		assert.Equal(t, "pkg-ABCD", external)

		internal, ok := m.Internal("pkg-ABCD")
		assert.True(t, ok)
		assert.Equal(t, "o123", internal)
	})

	t.Run("ignores empty ids", func(t *testing.T) {
		m := NewMemory()
		m.RecordAck("", "pkg-ABCD")
		m.RecordAck("o123", "")

		_, ok := m.Internal("pkg-ABCD")
		assert.False(t, ok)
		_, ok = m.External("o123")
		assert.False(t, ok)
	})

	t.Run("overwrite keeps the maps symmetric", func(t *testing.T) {
		m := NewMemory()
		m.RecordAck("o123", "pkg-OLD")
		m.RecordAck("o123", "pkg-NEW")

		external, ok := m.External("o123")
		assert.True(t, ok)
		assert.Equal(t, "pkg-NEW", external)

		// The stale reverse entry must be gone.
		_, ok = m.Internal("pkg-OLD")
		assert.False(t, ok)

		internal, ok := m.Internal("pkg-NEW")
		assert.True(t, ok)
		assert.Equal(t, "o123", internal)
	})

	t.Run("reassigning an external id drops the old order", func(t *testing.T) {
		m := NewMemory()
		m.RecordAck("o1", "pkg-X")
		m.RecordAck("o2", "pkg-X")

		internal, ok := m.Internal("pkg-X")
		assert.True(t, ok)
		assert.Equal(t, "o2", internal)

		_, ok = m.External("o1")
		assert.False(t, ok)
	})
}

func TestMemory_Concurrent(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("o%d", n)
			m.RecordAck(id, "pkg-"+id)
			m.External(id)
			m.Internal("pkg-" + id)
		}(i)
	}
	wg.Wait()

	external, ok := m.External("o7")
	assert.True(t, ok)
	assert.Equal(t, "pkg-o7", external)
}

func TestEnrich(t *testing.T) {
	m := NewMemory()
	m.RecordAck("o123", "pkg-ABCD")

	t.Run("fills missing internal id", func(t *testing.T) {
		internal, external := Enrich(m, "", "pkg-ABCD")
		assert.Equal(t, "o123", internal)
		assert.Equal(t, "pkg-ABCD", external)
	})

	t.Run("fills missing external id", func(t *testing.T) {
		internal, external := Enrich(m, "o123", "")
		assert.Equal(t, "o123", internal)
		assert.Equal(t, "pkg-ABCD", external)
	})

	t.Run("leaves unknown ids empty", func(t *testing.T) {
		internal, external := Enrich(m, "", "pkg-UNKNOWN")
		assert.Empty(t, internal)
		assert.Equal(t, "pkg-UNKNOWN", external)
	})

	t.Run("keeps both when present", func(t *testing.T) {
		internal, external := Enrich(m, "oX", "pkg-Y")
		assert.Equal(t, "oX", internal)
		assert.Equal(t, "pkg-Y", external)
	})

	t.Run("nil store passes through", func(t *testing.T) {
		internal, external := Enrich(nil, "o1", "")
		assert.Equal(t, "o1", internal)
		assert.Empty(t, external)
	})
}
