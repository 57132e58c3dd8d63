package kafka

import (
	"sort"

	"github.com/segmentio/kafka-go"
)

// toHeaders converts queue headers to Kafka record headers in key order.
func toHeaders(m map[string]string) []kafka.Header {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hs := make([]kafka.Header, len(keys))
	for i, k := range keys {
		hs[i] = kafka.Header{Key: k, Value: []byte(m[k])}
	}
	return hs
}

// fromHeaders flattens Kafka record headers. A repeated key keeps its last value.
func fromHeaders(hs []kafka.Header) map[string]string {
	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Key] = string(h.Value)
	}
	return m
}
