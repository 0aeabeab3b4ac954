package providers

import (
	"strings"

	"github.com/cassiomorais/paygate/internal/domain/transaction"
)

// GenericProvider selects the lenient table used for providers that are not registered.
const GenericProvider = "generic"

type statusTable map[string]transaction.Status

func newTable(completed, failed, cancelled []string) statusTable {
	t := statusTable{
		"processing":  transaction.StatusProcessing,
		"in_progress": transaction.StatusProcessing,
		"expired":     transaction.StatusExpired,
	}
	for _, s := range completed {
		t[s] = transaction.StatusSuccess
	}
	for _, s := range failed {
		t[s] = transaction.StatusFailed
	}
	for _, s := range cancelled {
		t[s] = transaction.StatusCanceled
	}
	return t
}

var (
	mobileCompleted = []string{"successful", "success", "completed"}
	mobileFailed    = []string{"failed", "error", "declined"}
	mobileCancelled = []string{"cancelled", "canceled"}

	cardsCompleted = append(clone(mobileCompleted), "captured")
	cardsFailed    = append(clone(mobileFailed), "rejected")
	cardsCancelled = append(clone(mobileCancelled), "voided")

	statusTables = map[string]statusTable{
		"orange-money":  newTable(mobileCompleted, mobileFailed, mobileCancelled),
		"mtn-momo":      newTable(mobileCompleted, mobileFailed, mobileCancelled),
		"cards":         newTable(cardsCompleted, cardsFailed, cardsCancelled),
		GenericProvider: newTable(append(clone(cardsCompleted), "paid"), cardsFailed, cardsCancelled),
	}
)

func clone(s []string) []string {
	return append([]string(nil), s...)
}

// NormalizeStatus maps a provider status string onto the canonical statuses.
// Unrecognised values map to pending: providers add transient states without notice,
// and those must not break processing. Occurrences are counted by the caller.
func NormalizeStatus(provider, raw string) transaction.Status {
	status, _ := lookupStatus(provider, raw)
	return status
}

// lookupStatus also reports whether raw was recognised.
func lookupStatus(provider, raw string) (transaction.Status, bool) {
	table, ok := statusTables[provider]
	if !ok {
		table = statusTables[GenericProvider]
	}
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "pending" {
		return transaction.StatusPending, true
	}
	if status, ok := table[key]; ok {
		return status, true
	}
	return transaction.StatusPending, false
}

// IsRecognizedStatus reports whether raw appears in the provider's table.
func IsRecognizedStatus(provider, raw string) bool {
	_, ok := lookupStatus(provider, raw)
	return ok
}
