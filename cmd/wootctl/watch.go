package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type feedMessage struct {
	Type string          `json:"type"`
	Ts   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func newWatchCmd() *cobra.Command {
	var (
		wsURL      string
		valuesOnly bool
		edgesOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the daemon's WebSocket key feed until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if valuesOnly && edgesOnly {
				return fmt.Errorf("--values and --edges are mutually exclusive")
			}
			u, err := url.Parse(wsURL)
			if err != nil {
				return fmt.Errorf("invalid websocket URL: %w", err)
			}

			d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
			conn, _, err := d.Dial(u.String(), nil)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", u, err)
			}
			defer conn.Close()

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigc)
			var interrupted atomic.Bool
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-sigc:
				case <-done:
					return
				}
				interrupted.Store(true)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				_ = conn.Close()
			}()

			err = printFeed(conn, cmd.OutOrStdout(), func(typ string) bool {
				switch {
				case valuesOnly:
					return typ == "key_value"
				case edgesOnly:
					return typ == "key_pressed" || typ == "key_released"
				default:
					return true
				}
			})
			if interrupted.Load() {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&wsURL, "url", "ws://127.0.0.1:3002/ws", "WebSocket feed URL")
	cmd.Flags().BoolVar(&valuesOnly, "values", false, "Only print key_value messages")
	cmd.Flags().BoolVar(&edgesOnly, "edges", false, "Only print key_pressed/key_released messages")
	return cmd
}

// printFeed prints one line per feed message until the connection ends.
// A normal close returns nil.
func printFeed(conn *websocket.Conn, w io.Writer, keep func(typ string) bool) error {
	for {
		var m feedMessage
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read feed: %w", err)
		}
		if !keep(m.Type) {
			continue
		}
		fmt.Fprintf(w, "%s %-12s %s\n", m.Ts.Local().Format("15:04:05.000"), m.Type, string(m.Data))
	}
}
