// Package meta implements the NDT meta subtest: the client sends its
// metadata as a sequence of "name:value" TestMsg frames, terminated by
// an empty TestMsg, and waits for TestFinalize. It is the client-side
// mirror of the server's own receiving ManageTest.
package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/apex/log"

	"github.com/stephen-soltesz/ndt5-client-cc/metadata"
	"github.com/stephen-soltesz/ndt5-client-cc/ndt5/protocol"
)

// Run drives the meta subtest over m, sending each entry of meta as a
// "name:value" TestMsg frame.
func Run(ctx context.Context, m protocol.Messager, meta []metadata.NameValue) error {
	localCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if _, _, err := m.ReceiveMessage(protocol.TestPrepare); err != nil {
		return fmt.Errorf("meta: waiting for TestPrepare: %w", err)
	}
	if _, _, err := m.ReceiveMessage(protocol.TestStart); err != nil {
		return fmt.Errorf("meta: waiting for TestStart: %w", err)
	}

	for _, kv := range meta {
		if localCtx.Err() != nil {
			return fmt.Errorf("meta: %w", localCtx.Err())
		}
		line := fmt.Sprintf("%s:%s", kv.Name, kv.Value)
		if err := m.SendMessage(protocol.TestMsg, []byte(line)); err != nil {
			return fmt.Errorf("meta: sending %q: %w", kv.Name, err)
		}
		log.WithField("name", kv.Name).Debug("meta: sent value")
	}
	if err := m.SendMessage(protocol.TestMsg, []byte{}); err != nil {
		return fmt.Errorf("meta: sending terminator: %w", err)
	}
	if _, _, err := m.ReceiveMessage(protocol.TestFinalize); err != nil {
		return fmt.Errorf("meta: waiting for TestFinalize: %w", err)
	}
	return nil
}
