package offer

import (
	"fmt"

	"github.com/AntonyNeal/bloom-booking/internal/apperr"
)

var ErrIllegalTransition = apperr.New(apperr.Conflict, "illegal_application_transition", "application cannot move to that status")

var transitions = map[Status][]Status{
	StatusSubmitted:     {StatusReviewing, StatusWithdrawn},
	StatusReviewing:     {StatusInterview, StatusAccepted, StatusWithdrawn},
	StatusInterview:     {StatusAccepted, StatusWithdrawn},
	StatusAccepted:      {StatusOfferSent, StatusWithdrawn},
	StatusOfferSent:     {StatusOfferSent, StatusOfferAccepted, StatusWithdrawn},
	StatusOfferAccepted: {StatusWithdrawn},
}

// CanTransition reports whether from → to is an edge of the machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrIllegalTransition.WithCause(fmt.Errorf("%s -> %s", from, to))
	}
	return nil
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusSubmitted, StatusReviewing, StatusInterview, StatusAccepted,
		StatusOfferSent, StatusOfferAccepted, StatusWithdrawn:
		return st, true
	}
	return "", false
}
