package internal

import (
	"strings"

	"github.com/embermq/embermq/mqerror"
)

// route resolves the set of queues a message published to the given
// exchange with the given routing key should be copied into. The result is
// deduplicated: a queue reachable through several bindings appears once.
// An unroutable message yields an empty set, not an error; only a missing
// exchange is an error.
func (t *topology) route(exchangeName, routingKey string) ([]string, error) {
	// The default exchange routes directly to the queue named by the key.
	if exchangeName == "" {
		if _, ok := t.getQueue(routingKey); ok {
			return []string{routingKey}, nil
		}
		return nil, nil
	}

	if _, ok := t.getExchange(exchangeName); !ok {
		return nil, mqerror.New(mqerror.NotFound, "no exchange '%s'", exchangeName)
	}

	seen := make(map[string]bool)
	visited := make(map[string]bool)
	var result []string
	t.resolve(exchangeName, routingKey, visited, seen, &result)
	return result, nil
}

// resolve walks the exchange graph from one exchange, collecting matched
// queues and following exchange-to-exchange bindings. The visited set
// breaks binding cycles.
func (t *topology) resolve(exchangeName, routingKey string, visited, seen map[string]bool, result *[]string) {
	if visited[exchangeName] {
		return
	}
	visited[exchangeName] = true

	ex, ok := t.getExchange(exchangeName)
	if !ok {
		return
	}

	ex.mu.RLock()
	var queues []string
	var nextExchanges []string
	switch ex.Type {
	case ExchangeFanout:
		for _, names := range ex.Bindings {
			queues = append(queues, names...)
		}
		for _, names := range ex.ExchangeBindings {
			nextExchanges = append(nextExchanges, names...)
		}
	case ExchangeDirect:
		queues = append(queues, ex.Bindings[routingKey]...)
		nextExchanges = append(nextExchanges, ex.ExchangeBindings[routingKey]...)
	case ExchangeTopic:
		for pattern, names := range ex.Bindings {
			if topicMatch(pattern, routingKey) {
				queues = append(queues, names...)
			}
		}
		for pattern, names := range ex.ExchangeBindings {
			if topicMatch(pattern, routingKey) {
				nextExchanges = append(nextExchanges, names...)
			}
		}
	}
	ex.mu.RUnlock()

	for _, name := range queues {
		if !seen[name] {
			seen[name] = true
			*result = append(*result, name)
		}
	}
	for _, name := range nextExchanges {
		t.resolve(name, routingKey, visited, seen, result)
	}
}

// topicMatch checks if a topic pattern matches a routing key.
// Supports AMQP wildcards: * (exactly one word) and # (zero or more words).
func topicMatch(pattern string, routingKey string) bool {
	// Handle empty pattern case - only matches empty routing key
	if pattern == "" {
		return routingKey == ""
	}

	// Handle single # pattern - matches everything
	if pattern == "#" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	routingParts := strings.Split(routingKey, ".")

	// strings.Split("", ".") returns [""], but we want []
	if routingKey == "" {
		routingParts = []string{}
	}

	return matchParts(patternParts, routingParts)
}

// matchParts performs iterative matching with backtracking for #
func matchParts(patternParts, routingParts []string) bool {
	// Stack for backtracking: stores (patternIndex, routingIndex)
	type state struct {
		pi, ri int
	}
	stack := []state{{0, 0}}

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		pi, ri := current.pi, current.ri

		// Success condition: consumed all parts
		if pi >= len(patternParts) && ri >= len(routingParts) {
			return true
		}

		// If pattern is exhausted but routing key isn't
		if pi >= len(patternParts) {
			continue // This path didn't match
		}

		// If routing key is exhausted but pattern isn't
		if ri >= len(routingParts) {
			// Remaining pattern parts must all be #
			allHash := true
			for i := pi; i < len(patternParts); i++ {
				if patternParts[i] != "#" {
					allHash = false
					break
				}
			}
			if allHash {
				return true
			}
			continue
		}

		pattern := patternParts[pi]

		switch pattern {
		case "#":
			// Try matching # with different number of words (0 to remaining).
			// Add states in reverse order so we try matching MORE words first.
			for i := len(routingParts); i >= ri; i-- {
				stack = append(stack, state{pi + 1, i})
			}

		case "*":
			// * matches exactly one word (even if empty)
			stack = append(stack, state{pi + 1, ri + 1})

		default:
			// Literal match required (including empty strings)
			if pattern == routingParts[ri] {
				stack = append(stack, state{pi + 1, ri + 1})
			}
		}
	}

	return false
}
