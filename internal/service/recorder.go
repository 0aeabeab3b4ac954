package service

// Recorder receives business counters. observability.Metrics implements it.
type Recorder interface {
	TransactionStatus(provider, status string)
	UnknownStatus(provider string)
	Webhook(provider, status string)
	WebhookRetry(provider, result string)
	Notification(eventType, result string)
}

type nopRecorder struct{}

func (nopRecorder) TransactionStatus(string, string) {}
func (nopRecorder) UnknownStatus(string) {}
func (nopRecorder) Webhook(string, string) {}
func (nopRecorder) WebhookRetry(string, string) {}
func (nopRecorder) Notification(string, string) {}

func recorderOrNop(r Recorder) Recorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}
