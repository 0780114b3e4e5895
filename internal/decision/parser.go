// Package decision turns raw model output into structured trade intents.
// Models are prompted to emit free-form reasoning followed by a JSON array
// of actions; everything before the JSON is kept as chain of thought, the
// JSON is extracted by bracket matching and coerced into intents.
package decision

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/perparena/perparena/pkg/types"
)

// ParseResult is the outcome of extracting intents from one completion.
type ParseResult struct {
	ChainOfThought string
	Actions        []types.TradeIntent
	// DroppedSymbols lists coins outside the tradable set whose actions
	// were discarded.
	DroppedSymbols []string
	Status         types.ParseStatus
}

// Parse extracts chain of thought and trade intents from raw model output.
// Output with no JSON payload at all, or JSON that cannot be decoded, is a
// malformed decision with zero actions. A well-formed empty array is a
// valid do-nothing decision. Individually invalid actions inside an
// otherwise valid array are dropped.
func Parse(raw string) ParseResult {
	text := normalizeQuotes(raw)

	jsonText, cot, found := extractJSON(text)
	if !found {
		return ParseResult{
			ChainOfThought: strings.TrimSpace(text),
			Status:         types.ParseMalformed,
		}
	}

	actions, dropped, err := decodeActions(jsonText)
	if err != nil {
		return ParseResult{
			ChainOfThought: cot,
			Status:         types.ParseMalformed,
		}
	}
	for _, symbol := range dropped {
		log.Warn().Str("symbol", symbol).Msg("Dropped action for unknown coin")
	}

	return ParseResult{
		ChainOfThought: cot,
		Actions:        actions,
		DroppedSymbols: dropped,
		Status:         types.ParseOK,
	}
}

// normalizeQuotes replaces typographic quotes models sometimes emit with
// their ASCII forms so the JSON decoder accepts the payload.
func normalizeQuotes(s string) string {
	replacer := strings.NewReplacer(
		"“", `"`,
		"”", `"`,
		"‘", "'",
		"’", "'",
	)
	return replacer.Replace(s)
}

// extractJSON locates the structured payload. A fenced ```json block wins;
// otherwise the first bracket-matched array or object is taken. The text
// before the payload is the chain of thought.
func extractJSON(text string) (jsonText, cot string, found bool) {
	if start := strings.Index(text, "```json"); start >= 0 {
		body := text[start+len("```json"):]
		if end := strings.Index(body, "```"); end >= 0 {
			return strings.TrimSpace(body[:end]), strings.TrimSpace(text[:start]), true
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '[' && text[i] != '{' {
			continue
		}
		if end := matchBracket(text, i); end > i {
			return text[i : end+1], strings.TrimSpace(text[:i]), true
		}
	}
	return "", "", false
}

// matchBracket returns the index of the bracket closing the one at start,
// skipping string literals and escapes, or -1 when unbalanced.
func matchBracket(text string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func decodeActions(jsonText string) ([]types.TradeIntent, []string, error) {
	var rawList []map[string]interface{}
	if err := json.Unmarshal([]byte(jsonText), &rawList); err != nil {
		var single map[string]interface{}
		if err2 := json.Unmarshal([]byte(jsonText), &single); err2 != nil {
			return nil, nil, fmt.Errorf("decode actions: %w", err)
		}
		rawList = []map[string]interface{}{single}
	}

	var actions []types.TradeIntent
	var dropped []string
	for _, raw := range rawList {
		intent, symbol, ok := coerceAction(raw)
		if !ok {
			if symbol != "" {
				dropped = append(dropped, symbol)
			}
			continue
		}
		actions = append(actions, intent)
	}
	return actions, dropped, nil
}

// coerceAction maps one decoded object onto a trade intent, tolerating the
// field-name and type drift different models produce. The middle return
// names the symbol when the action was dropped for a coin outside the
// tradable set.
func coerceAction(raw map[string]interface{}) (types.TradeIntent, string, bool) {
	opText, ok := firstString(raw, "operation", "action", "signal")
	if !ok {
		return types.TradeIntent{}, "", false
	}
	op := types.Operation(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(opText), " ", "_")))
	if !op.Valid() {
		return types.TradeIntent{}, "", false
	}

	symbol, ok := firstString(raw, "coin", "symbol", "market")
	if !ok && op != types.OpHold {
		return types.TradeIntent{}, "", false
	}
	coin, known := types.NormalizeCoin(symbol)
	if !known && op != types.OpHold {
		// Unknown symbols are dropped here rather than carried to the
		// risk gate; the gate re-checks as a backstop.
		return types.TradeIntent{}, strings.TrimSpace(symbol), false
	}

	intent := types.TradeIntent{Coin: coin, Operation: op}

	if v, ok := firstNumber(raw, "size_fraction", "size", "position_size"); ok {
		intent.SizeFraction = v
	}
	if v, ok := firstNumber(raw, "leverage"); ok {
		intent.Leverage = int(v)
	}
	if v, ok := firstNumber(raw, "stop_loss_price", "stop_loss"); ok {
		intent.StopLossPrice = &v
	}
	if v, ok := firstNumber(raw, "take_profit_price", "take_profit"); ok {
		intent.TakeProfitPrice = &v
	}
	if v, ok := firstNumber(raw, "confidence"); ok {
		intent.Confidence = clamp01(v)
	}

	// Opens need a size and leverage to be actionable at all. A missing
	// stop loss is left for the risk gate so the rejection is recorded
	// with its reason code.
	if op.IsOpen() && (intent.SizeFraction <= 0 || intent.SizeFraction > 1 || intent.Leverage < 1) {
		return types.TradeIntent{}, "", false
	}

	return intent, "", true
}

func firstString(raw map[string]interface{}, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

// firstNumber accepts JSON numbers and numeric strings.
func firstNumber(raw map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
