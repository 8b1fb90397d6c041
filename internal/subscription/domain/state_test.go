package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	legal := [][2]SubscriptionStatus{
		{SubscriptionStatusDraft, SubscriptionStatusQuotation},
		{SubscriptionStatusQuotation, SubscriptionStatusActive},
		{SubscriptionStatusActive, SubscriptionStatusAtRisk},
		{SubscriptionStatusAtRisk, SubscriptionStatusActive},
		{SubscriptionStatusAtRisk, SubscriptionStatusClosed},
	}
	for _, edge := range legal {
		assert.NoError(t, ValidateTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	illegal := [][2]SubscriptionStatus{
		{SubscriptionStatusActive, SubscriptionStatusClosed},
		{SubscriptionStatusDraft, SubscriptionStatusActive},
		{SubscriptionStatusClosed, SubscriptionStatusActive},
		{SubscriptionStatusClosed, SubscriptionStatusAtRisk},
		{SubscriptionStatusActive, SubscriptionStatusActive},
	}
	for _, edge := range illegal {
		err := ValidateTransition(edge[0], edge[1])
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s -> %s", edge[0], edge[1])
	}
}

func TestTransitionStampsLifecycleColumns(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	update, err := Transition(SubscriptionStatusAtRisk, SubscriptionStatusClosed, ClosedReasonPaymentFailure, at)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionStatusClosed, update.Status)
	require.NotNil(t, update.ClosedReason)
	assert.Equal(t, ClosedReasonPaymentFailure, *update.ClosedReason)
	require.NotNil(t, update.ClosedAt)
	assert.True(t, update.ClosedAt.Equal(at))

	update, err = Transition(SubscriptionStatusActive, SubscriptionStatusAtRisk, "", at)
	require.NoError(t, err)
	require.NotNil(t, update.AtRiskAt)
	assert.Nil(t, update.ClosedReason)

	_, err = Transition(SubscriptionStatusClosed, SubscriptionStatusActive, "", at)
	var transitionErr *TransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, SubscriptionStatusClosed, transitionErr.From)
}
