package notify

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/ledger"
)

// TokenDirectory resolves display metadata for a token.
type TokenDirectory interface {
	Token(addr common.Address) ledger.TokenInfo
}

// Formatter turns engine events into chat messages.
type Formatter struct {
	tokens TokenDirectory
}

// NewFormatter creates a Formatter. With a nil directory amounts are shown
// in raw units.
func NewFormatter(tokens TokenDirectory) *Formatter {
	return &Formatter{tokens: tokens}
}

// Event renders ev as a title and a message body.
func (f *Formatter) Event(ev domain.Event) (string, string) {
	var b strings.Builder
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	str := func(key string) string {
		if v, ok := ev.Fields[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	token := common.HexToAddress(str("token"))

	var title string
	switch ev.Kind {
	case domain.EventTradeStarted:
		title = "Execution started"
		field("Caller", str("caller"))
		field("Loan", f.amount(str("loan"), token))
		field("Hops", str("hops"))
	case domain.EventTradeSucceeded:
		title = "Execution committed"
		field("Result", str("id"))
		field("Route", shortHash(str("route")))
		field("Profit", f.amount(str("profit"), token))
		field("Gas", str("gas"))
	case domain.EventTradeFailed:
		title = "Execution failed"
		field("Result", str("id"))
		field("Class", str("class"))
		field("Stage", str("stage"))
		field("Reason", str("reason"))
	case domain.EventBreakerTransition:
		title = fmt.Sprintf("Circuit breaker %s -> %s", str("from"), str("to"))
		field("Volume", str("volume"))
		field("Trades", str("trades"))
	case domain.EventRouteFailed:
		title = "Route failure recorded"
		if b, ok := ev.Fields["blacklisted"].(bool); ok && b {
			title = "Route blacklisted"
		}
		field("Route", shortHash(str("route")))
		field("Failures", str("failures"))
		field("Reason", str("reason"))
	case domain.EventAdminAction:
		title = "Admin: " + str("action")
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			if k != "action" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			field(k, str(k))
		}
	default:
		title = string(ev.Kind)
	}
	field("Execution", ev.ExecutionID)
	if !ev.At.IsZero() {
		field("At", ev.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func (f *Formatter) amount(raw string, token common.Address) string {
	if raw == "" {
		return ""
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || f.tokens == nil || token == (common.Address{}) {
		return raw
	}
	info := f.tokens.Token(token)
	return domain.FormatUnits(n, info.Decimals) + " " + info.Symbol
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}
