package approval

import (
	"log"

	"pingpong/internal/domain"
)

type Publisher interface {
	Publish(n domain.Notification) error
}

// Notifier tells the user about pauses, errors and completion. Everything is
// logged; errors are also published as workflow_error notifications.
type Notifier struct {
	logger *log.Logger
	pub    Publisher
}

func NewNotifier(pub Publisher, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{logger: logger, pub: pub}
}

func (n *Notifier) NotifyUser(message string, severity domain.Severity) {
	n.logger.Printf("notify severity=%s message=%q", severity, message)
	if n.pub == nil || severity != domain.SeverityError {
		return
	}
	_ = n.pub.Publish(domain.Notification{
		Kind:    domain.NotificationWorkflowError,
		Message: message,
	})
}
