package eventbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRunsHandlersInSubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe("rate", func(Event) { order = append(order, 1) })
	b.Subscribe("rate", func(Event) { order = append(order, 2) })
	b.Subscribe("rate", func(Event) { order = append(order, 3) })

	b.Publish("rate", nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPublishOnlyReachesItsOwnTopic(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("a", func(Event) { called = true })

	b.Publish("b", nil)

	assert.False(t, called)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("topic", func(Event) { calls++ })

	b.Publish("topic", nil)
	b.Unsubscribe(sub)
	b.Publish("topic", nil)

	assert.Equal(t, 1, calls)
}

func TestPublishPassesThePayload(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("x", func(ev Event) { got = ev })

	b.Publish("x", 42)

	assert.Equal(t, 42, got)
}

func TestVetoBusCommitsWhenNoObjection(t *testing.T) {
	vb := NewVetoBus()
	vb.SubscribeChanging("up_speed_limit", func(old, new Event) error { return nil })

	err := vb.TryChange("up_speed_limit", 1000, 2000)

	require.NoError(t, err)
}

func TestVetoBusStopsAtFirstRejection(t *testing.T) {
	vb := NewVetoBus()
	var secondCalled bool
	vb.SubscribeChanging("up_speed_limit", func(old, new Event) error {
		return errors.New("limit too low")
	})
	vb.SubscribeChanging("up_speed_limit", func(old, new Event) error {
		secondCalled = true
		return nil
	})

	err := vb.TryChange("up_speed_limit", 1000, 10)

	var vetoErr *VetoError
	require.ErrorAs(t, err, &vetoErr)
	assert.Equal(t, "up_speed_limit", vetoErr.Topic)
	assert.Contains(t, vetoErr.Reason, "too low")
	assert.False(t, secondCalled, "rejection must stop the remaining subscribers from voting")
}

func TestVetoBusUnsubscribeRemovesVoter(t *testing.T) {
	vb := NewVetoBus()
	sub := vb.SubscribeChanging("k", func(old, new Event) error {
		return errors.New("always rejects")
	})
	vb.Unsubscribe(sub)

	err := vb.TryChange("k", 1, 2)

	assert.NoError(t, err)
}

func TestTopicsSortedForDiagnostics(t *testing.T) {
	b := New()
	b.Subscribe("zeta", func(Event) {})
	b.Subscribe("alpha", func(Event) {})

	assert.Equal(t, []string{"alpha", "zeta"}, b.Topics())
}
