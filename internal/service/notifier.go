package service

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/compute-service/internal/models"
)

// Notifier composes account emails. Delivery runs in the background so a slow
// relay never holds up a billing tick or an admin request.
type Notifier struct {
	mail  MailSender
	async bool
	wg    sync.WaitGroup
}

func NewNotifier(mail MailSender) *Notifier {
	return &Notifier{mail: mail, async: true}
}

// Wait blocks until queued deliveries are done
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) send(to, subject, body string) {
	deliver := func() {
		if err := n.mail.Send(to, subject, body); err != nil {
			log.Printf("[Notifier] Failed to send %q to user: %v", subject, err)
		}
	}
	if !n.async {
		deliver()
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		deliver()
	}()
}

// LowBalance warns that the balance covers less than the configured number of days
func (n *Notifier) LowBalance(u *models.User, balance, dailyBurn models.Points) {
	body := fmt.Sprintf("Your balance is %s points. Your running instances use %s points per day.\n"+
		"Top up to keep them running.", balance, dailyBurn)
	n.send(u.Email, "Low point balance", body)
}

// Depleted reports that the balance ran out and which instances were stopped
func (n *Notifier) Depleted(u *models.User, stopped []string) {
	body := "Your point balance has run out."
	if len(stopped) > 0 {
		body += "\nThe following instances were stopped: " + strings.Join(stopped, ", ")
	}
	n.send(u.Email, "Point balance depleted", body)
}

// Banned notifies a user of a ban
func (n *Notifier) Banned(u *models.User, reason string, expiresAt *time.Time) {
	body := "Your account has been suspended.\nReason: " + reason
	if expiresAt != nil {
		body += "\nThe suspension ends at " + expiresAt.UTC().Format(time.RFC1123)
	}
	n.send(u.Email, "Account suspended", body)
}
