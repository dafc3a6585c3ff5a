package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fxpool/supersocket"
)

// chat sends each line of in as a message and prints every message received
// to out. It returns when in is exhausted, the peer leaves or ctx ends, and
// closes s either way.
func chat(ctx context.Context, s *supersocket.Session, in io.Reader, out io.Writer) error {
	defer s.Close()
	done := make(chan struct{})
	defer close(done)

	received := make(chan error, 1)
	go func() {
		for {
			msg, err := s.Recv()
			if supersocket.IsTimeout(err) {
				continue
			}
			if errors.Is(err, supersocket.ErrDecryptionFailed) {
				fmt.Fprintln(out, "dropped a message that does not decrypt")
				continue
			}
			if err != nil {
				received <- err
				return
			}
			fmt.Fprintln(out, string(msg))
		}
	}()

	lines := make(chan string)
	inputDone := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), supersocket.DefaultMaxMessageSize)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		inputDone <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-received:
			if supersocket.IsClosed(err) {
				fmt.Fprintln(out, "peer closed the connection")
				return nil
			}
			return err
		case err := <-inputDone:
			return err
		case line := <-lines:
			if err := s.Send([]byte(line)); err != nil && !supersocket.IsTimeout(err) {
				return err
			}
		}
	}
}
