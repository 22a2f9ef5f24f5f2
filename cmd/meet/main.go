package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callify/internal/client"
	"callify/internal/core/domain"
	"callify/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// meet is a terminal meeting client: it joins a room, connects to every
// other member, and relays chat between the room and stdin.
func main() {
	var (
		serverURL   = flag.String("server", "ws://localhost:8080/ws", "signaling server URL")
		room        = flag.String("room", "", "room code to join")
		displayName = flag.String("name", "guest", "display name")
		token       = flag.String("token", "", "identity token (optional)")
		stunServer  = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server")
		logLevel    = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *room == "" {
		fmt.Fprintln(os.Stderr, "usage: meet -room <code> [-name <name>] [-server <url>]")
		os.Exit(2)
	}

	log := logger.NewSugared(*logLevel, "console")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	meeting, err := client.JoinMeeting(ctx, client.MeetingOptions{
		ServerURL:   *serverURL,
		Token:       *token,
		DisplayName: *displayName,
		ICEServers:  []webrtc.ICEServer{{URLs: []string{*stunServer}}},
		Manager:     client.DefaultManagerOptions(),
	}, client.MeetingEvents{
		OnRoomJoined: func(p domain.RoomJoinedPayload) {
			fmt.Printf("* joined room %s (%d members)\n", p.RoomCode, len(p.Members))
		},
		OnPeerJoined: func(p domain.PeerJoinedPayload) {
			fmt.Printf("* %s joined\n", nameOrID(p.DisplayName, p.ConnectionID))
		},
		OnPeerLeft: func(p domain.PeerLeftPayload) {
			fmt.Printf("* %s left\n", p.ConnectionID)
		},
		OnChat: func(p domain.ChatDeliveredPayload) {
			fmt.Printf("[%s] %s: %s\n",
				time.UnixMilli(p.Timestamp).Format("15:04:05"),
				nameOrID(p.DisplayName, p.SenderID),
				p.Body,
			)
		},
		OnSessionState: func(remote domain.ConnectionID, state domain.SessionState) {
			log.Infow("session state", "remote", remote, "state", state)
		},
		OnServerError: func(p domain.ErrorPayload) {
			fmt.Printf("! server error %s: %s\n", p.Code, p.Message)
		},
		OnDisconnect: func(err error) {
			if err != nil {
				fmt.Printf("! disconnected: %v\n", err)
			}
			os.Exit(1)
		},
	}, log)
	cancel()
	if err != nil {
		log.Fatalw("failed to join meeting", "error", err)
	}
	defer meeting.Close()

	if err := meeting.JoinRoom(domain.RoomCode(*room)); err != nil {
		log.Fatalw("failed to join room", "error", err)
	}

	go readCommands(meeting, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	fmt.Println("leaving")
}

// readCommands treats lines starting with "/" as commands and everything
// else as chat.
func readCommands(meeting *client.Meeting, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/mute":
			meeting.SetMuted(domain.TrackAudio, true)
		case line == "/unmute":
			meeting.SetMuted(domain.TrackAudio, false)
		case line == "/video off":
			meeting.SetMuted(domain.TrackVideo, true)
		case line == "/video on":
			meeting.SetMuted(domain.TrackVideo, false)
		case line == "/screen":
			err = meeting.ShareScreen(context.Background())
		case line == "/camera":
			err = meeting.ShareCamera(context.Background())
		case line == "/leave":
			err = meeting.LeaveRoom()
		case strings.HasPrefix(line, "/"):
			fmt.Println("commands: /mute /unmute /video on|off /screen /camera /leave")
		default:
			err = meeting.SendChat(line)
		}
		if err != nil {
			log.Warnw("command failed", "input", line, "error", err)
		}
	}
}

func nameOrID(name string, id domain.ConnectionID) string {
	if name != "" {
		return name
	}
	return string(id)
}
