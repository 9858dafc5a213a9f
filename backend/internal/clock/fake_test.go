package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	c.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2, 5}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestFake_StopPreventsCallback(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFake_CallbackCanReschedule(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(0, tick)
		}
	}
	c.AfterFunc(time.Second, tick)
	c.Advance(time.Second)
	assert.Equal(t, 3, count)
}
