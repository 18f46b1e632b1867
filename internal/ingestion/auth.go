package ingestion

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorizedCommand = errors.New("ingestion: unauthorized command")

const subjectPrefix = "flash.commands."

// CommandSubject is the subject a caller publishes kind commands on:
// flash.commands.<kind>.<caller>, with the address lower-case hex. NATS
// publish permissions restrict each account to its own caller token, which
// is what binds the payload's caller to an authenticated sender.
func CommandSubject(kind CommandType, caller common.Address) string {
	return subjectPrefix + string(kind) + "." + strings.ToLower(caller.Hex())
}

// authorize checks that cmd was published by the account it debits. The
// subject's caller token must match the payload caller, and a leverage
// command may only open a position for that same caller.
func authorize(subject string, cmd Command) error {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 || !strings.HasPrefix(subject, subjectPrefix) {
		return fmt.Errorf("%w: subject %q carries no caller", ErrUnauthorizedCommand, subject)
	}
	token := subject[i+1:]
	if !common.IsHexAddress(token) || common.HexToAddress(token) != cmd.Caller {
		return fmt.Errorf("%w: caller %s not published on %q", ErrUnauthorizedCommand, cmd.Caller.Hex(), subject)
	}
	if cmd.Type == CommandLeverage && cmd.Leverage.OnBehalfOf != cmd.Caller {
		return fmt.Errorf("%w: on_behalf_of %s differs from caller %s",
			ErrUnauthorizedCommand, cmd.Leverage.OnBehalfOf.Hex(), cmd.Caller.Hex())
	}
	return nil
}
