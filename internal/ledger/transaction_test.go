package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePurpose(t *testing.T) {
	tests := []struct {
		label string
		want  Purpose
	}{
		{"goods_services", PurposeGoodsServices},
		{"goods_and_services", PurposeGoodsServices},
		{"Goods and Services", PurposeGoodsServices},
		{"goods & services", PurposeGoodsServices},
		{"GOODS-SERVICES", PurposeGoodsServices},
		{"friends_family", PurposeFriendsFamily},
		{"Friends and Family", PurposeFriendsFamily},
		{"friends_and_family", PurposeFriendsFamily},
	}
	for _, tt := range tests {
		got, err := ParsePurpose(tt.label)
		assert.NoError(t, err, tt.label)
		assert.Equal(t, tt.want, got, tt.label)
	}

	for _, bad := range []string{"", "gifts", "goods", "and"} {
		_, err := ParsePurpose(bad)
		assert.ErrorIs(t, err, ErrInvalidPurpose, bad)
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusRefunded, StatusCanceled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []Status{StatusPending, StatusDisputed} {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestTransaction_Releasable(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	base := func() *Transaction {
		return &Transaction{
			Kind:               KindSend,
			Purpose:            PurposeGoodsServices,
			Status:             StatusPending,
			ScheduledReleaseAt: &past,
		}
	}

	assert.True(t, base().Releasable(now))
	assert.True(t, base().Releasable(past), "due exactly at the scheduled time")

	tx := base()
	tx.ScheduledReleaseAt = &future
	assert.False(t, tx.Releasable(now))

	tx = base()
	tx.InProgress = true
	assert.False(t, tx.Releasable(now))

	tx = base()
	tx.Disputed = true
	tx.Status = StatusDisputed
	assert.False(t, tx.Releasable(now))

	tx = base()
	tx.Purpose = PurposeFriendsFamily
	assert.False(t, tx.Releasable(now))

	tx = base()
	tx.ScheduledReleaseAt = nil
	assert.False(t, tx.Releasable(now))
}

func TestTransaction_CloneIsDeep(t *testing.T) {
	at := time.Now()
	tx := &Transaction{ID: 1, ScheduledReleaseAt: &at}
	cp := tx.clone()
	*cp.ScheduledReleaseAt = at.Add(time.Hour)
	assert.Equal(t, at, *tx.ScheduledReleaseAt)
}
