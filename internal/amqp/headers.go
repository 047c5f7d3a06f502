package amqp

import (
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Header keys carried on the wire. They must round-trip exactly.
const (
	// HeaderXDeath is the broker-native death history used to count
	// redeliveries through the retry topology.
	HeaderXDeath = "x-death"

	// HeaderGroup carries the consumer group a message was published
	// for.
	HeaderGroup = "x-chanmq-group"

	// Provenance headers attached to dead-lettered messages.
	HeaderOriginalChannel = "x-original-channel"
	HeaderOriginalGroup   = "x-original-group"
	HeaderError           = "x-error"
)

// deathCount reads the redelivery count from the broker's death-history
// header, 0 when absent. The count is maintained by the broker itself;
// the adapter never resets it, even on terminal disposition, so a
// dead-lettered message keeps its history.
func deathCount(headers amqp091.Table) int {
	if headers == nil {
		return 0
	}

	xDeath, ok := headers[HeaderXDeath].([]interface{})
	if !ok || len(xDeath) == 0 {
		return 0
	}

	death, ok := xDeath[0].(amqp091.Table)
	if !ok {
		return 0
	}

	switch count := death["count"].(type) {
	case int64:
		return int(count)
	case int32:
		return int(count)
	case int:
		return count
	case float64:
		return int(count)
	}
	return 0
}

// provenanceHeaders merges the dead-letter provenance headers under the
// message's existing headers. Pre-existing keys win.
func provenanceHeaders(existing amqp091.Table, channel, group, errMsg string) amqp091.Table {
	headers := amqp091.Table{}
	for k, v := range existing {
		headers[k] = v
	}

	setIfAbsent(headers, HeaderOriginalChannel, channel)
	setIfAbsent(headers, HeaderOriginalGroup, group)
	setIfAbsent(headers, HeaderError, errMsg)
	return headers
}

func setIfAbsent(headers amqp091.Table, key string, value any) {
	if _, ok := headers[key]; !ok {
		headers[key] = value
	}
}

// toTable converts a plain header map into an AMQP table.
func toTable(m map[string]any) amqp091.Table {
	if len(m) == 0 {
		return nil
	}
	table := amqp091.Table{}
	for k, v := range m {
		table[k] = v
	}
	return table
}

// fromTable converts an AMQP table into the plain map handed to
// handlers.
func fromTable(table amqp091.Table) map[string]any {
	if len(table) == 0 {
		return nil
	}
	m := make(map[string]any, len(table))
	for k, v := range table {
		m[k] = v
	}
	return m
}
