package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fxpool/supersocket"
)

func connectCmd(a *app) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a server and chat",
		Long: "Connect to a server and chat over stdin and stdout. The server " +
			"decides whether the session is encrypted. With --message a single " +
			"message is sent and the first reply, if any arrives within the " +
			"timeout, is printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := a.sessionConfig()
			if err != nil {
				return err
			}
			s, err := supersocket.Dial(cmd.Context(), sc)
			if err != nil {
				return err
			}
			a.logger.Printf("supersock: connected to %s (%s)", s.RemoteAddr(), describe(s))

			if !cmd.Flags().Changed("message") {
				return chat(cmd.Context(), s, cmd.InOrStdin(), cmd.OutOrStdout())
			}

			defer s.Close()
			if err := s.Send([]byte(message)); err != nil {
				return err
			}
			reply, err := s.Recv()
			switch {
			case supersocket.IsTimeout(err), supersocket.IsClosed(err):
				return nil
			case err != nil:
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}

	f := cmd.Flags()
	f.Duration("handshake-wait", 0, "how long to wait for the server to start a key exchange")
	f.StringVarP(&message, "message", "m", "", "send one message, print the reply and exit")
	return cmd
}
