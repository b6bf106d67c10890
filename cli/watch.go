package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/karthikraju391/greenmarket-chat/handlers"
	"github.com/karthikraju391/greenmarket-chat/models"
)

var (
	watchAddr string
	watchUser string

	watchCmd = &cobra.Command{
		Use:   "watch [conversation-id]",
		Short: "Follow a conversation live; lines typed on stdin are sent as messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
)

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "addr", "localhost:8080", "server host:port")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "viewer user id")
	watchCmd.MarkFlagRequired("user")
}

func watchURL(addr, conversationID, user string) string {
	return fmt.Sprintf("ws://%s/chat/%s?%s", addr, url.PathEscape(conversationID), url.Values{"user": {user}}.Encode())
}

func runWatch(cmd *cobra.Command, args []string) error {
	conn, _, err := websocket.DefaultDialer.Dial(watchURL(watchAddr, args[0], watchUser), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	done := make(chan error, 1)
	go func() {
		for {
			var f handlers.ServerFrame
			if err := conn.ReadJSON(&f); err != nil {
				done <- err
				return
			}
			fmt.Fprint(out, formatFrame(f, watchUser))
		}
	}()

	go sendLines(conn, cmd.InOrStdin(), out)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return nil
	case err := <-done:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil
		}
		return fmt.Errorf("connection closed: %w", err)
	}
}

func sendLines(conn *websocket.Conn, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := conn.WriteJSON(handlers.ClientFrame{Type: handlers.FrameSend, Text: line}); err != nil {
			fmt.Fprintf(out, "! send failed: %v\n", err)
			return
		}
	}
}

// formatFrame renders a server frame as terminal lines. Frames the viewer
// does not need to see render as "".
func formatFrame(f handlers.ServerFrame, viewer string) string {
	switch f.Type {
	case handlers.FrameSnapshot:
		if f.Snapshot == nil {
			return ""
		}
		var b strings.Builder
		with := "unknown user"
		if f.Snapshot.OtherUser != nil {
			with = f.Snapshot.OtherUser.Username
		}
		fmt.Fprintf(&b, "== chat with %s", with)
		if f.Snapshot.Product != nil {
			fmt.Fprintf(&b, " about %q (%.2f)", f.Snapshot.Product.Title, f.Snapshot.Product.Price)
		}
		b.WriteString(" ==\n")
		for _, m := range f.Snapshot.Messages {
			b.WriteString(formatMessage(m, viewer))
		}
		return b.String()
	case handlers.FrameMessage:
		if f.Message == nil {
			return ""
		}
		return formatMessage(*f.Message, viewer)
	case handlers.FrameHistory:
		var b strings.Builder
		b.WriteString("-- history resynced --\n")
		for _, m := range f.Messages {
			b.WriteString(formatMessage(m, viewer))
		}
		return b.String()
	case handlers.FrameNotify:
		return "* new message\a\n"
	case handlers.FrameStatus:
		if f.Connected != nil && *f.Connected {
			return "-- connected --\n"
		}
		return "-- connecting... --\n"
	case handlers.FrameError:
		if f.Error != nil {
			return fmt.Sprintf("! %s: %s\n", f.Error.Code, f.Error.Message)
		}
	}
	return ""
}

func formatMessage(m models.Message, viewer string) string {
	who := m.SenderID
	if who == viewer {
		who = "you"
	}
	var parts []string
	if m.Content != nil && *m.Content != "" {
		parts = append(parts, *m.Content)
	}
	if m.Attachment != nil {
		parts = append(parts, fmt.Sprintf("[%s %s]", m.Attachment.Kind, m.Attachment.URL))
	}
	if m.Location != nil && m.Content == nil {
		parts = append(parts, fmt.Sprintf("[location %.6f, %.6f]", m.Location.Latitude, m.Location.Longitude))
	}
	return fmt.Sprintf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), who, strings.Join(parts, " "))
}
