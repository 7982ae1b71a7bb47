// Package metrics exposes prometheus counters for the identity flows.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clm_identity",
		Name:      "login_attempts_total",
		Help:      "Login attempts by outcome.",
	}, []string{"result"})

	AccountLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clm_identity",
		Name:      "account_lockouts_total",
		Help:      "Accounts locked after repeated failed logins.",
	})

	InvitationsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clm_identity",
		Name:      "invitations_accepted_total",
		Help:      "Invitations accepted into provisioned users.",
	})

	PasswordResetsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clm_identity",
		Name:      "password_resets_consumed_total",
		Help:      "Password reset tokens consumed.",
	})
)

// Login outcome labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultLocked  = "locked"
)
