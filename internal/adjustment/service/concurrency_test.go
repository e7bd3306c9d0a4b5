package service_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentEditAndApproveDoNotInterleave(t *testing.T) {
	h := newHarness(t)
	acme := h.broker(t, "acme")

	for round := 0; round < 30; round++ {
		base := h.pendingItem(t, "100.00")
		extra := h.pendingItem(t, "40.00")
		created := h.report(t, acme, base)

		var wg sync.WaitGroup
		var editErr, approveErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, editErr = h.svc.Edit(masterCtx(), domain.EditRequest{ReportID: created.ID, Add: []snowflake.ID{extra.ID}})
		}()
		go func() {
			defer wg.Done()
			_, approveErr = h.svc.Approve(masterCtx(), domain.ApproveRequest{ReportID: created.ID})
		}()
		wg.Wait()

		for _, err := range []error{editErr, approveErr} {
			if err != nil {
				require.Truef(t,
					errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrConcurrentModification),
					"round %d: unexpected error %v", round, err)
			}
		}

		h.requireTotalMatchesItems(t, created.ID)
		stored := h.storedReport(t, created.ID)

		members := map[snowflake.ID]bool{}
		for _, item := range h.storedItems(t, created.ID) {
			members[item.PendingItemID] = true
		}
		assert.Equalf(t, editErr == nil, members[extra.ID], "round %d: extra item membership", round)

		if approveErr == nil {
			assert.Equal(t, domain.ReportStatusApproved, stored.Status)
			// Every item of an approved report was assigned by the approval itself.
			for id := range members {
				assert.Equalf(t, domain.PendingItemStatusAssigned, h.storedPending(t, id).Status, "round %d: item %s", round, id)
			}
		} else {
			assert.Equal(t, domain.ReportStatusPending, stored.Status)
		}

		if editErr != nil {
			assert.Equal(t, domain.PendingItemStatusOpen, h.storedPending(t, extra.ID).Status)
		}
	}
}
