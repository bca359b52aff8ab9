// Provides common quest errors definitions.
package quest_errors

import "errors"

var (
	ErrNoKey         = errors.New("quest: resolver key is empty")
	ErrNoGet         = errors.New("quest: resolver has no get capability")
	ErrNoMethod      = errors.New("quest: unknown resolver method")
	ErrEmptyPlan     = errors.New("quest: capability returned an empty plan")
	ErrAmbiguousPlan = errors.New("quest: capability returned more than one plan shape")
	ErrNoStore       = errors.New("quest: no store configured")
	ErrStaleTxn      = errors.New("quest: thunk transaction used after its turn")
	ErrInvalidated   = errors.New("quest: quest invalidated before settlement")
)
