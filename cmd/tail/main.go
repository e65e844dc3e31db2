// Command tail follows one conversation from the operator's side: it prints
// the archived history of the pair, then streams live message, presence, and
// typing events off NATS until interrupted.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/emberchat/sync-server/internal/archive"
	"github.com/emberchat/sync-server/internal/messaging"
	"github.com/emberchat/sync-server/internal/protocol"
	"github.com/emberchat/sync-server/internal/sync"
)

func main() {
	userA := os.Getenv("USER_A")
	userB := os.Getenv("USER_B")
	if userA == "" || userB == "" {
		log.Fatal("USER_A and USER_B are required")
	}
	convKey := sync.ConvKey(userA, userB)

	historyLimit := 50
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			historyLimit = n
		}
	}
	var sinceID uint64
	if v := os.Getenv("SINCE_ID"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			sinceID = n
		}
	}

	// Archived history first, when a DSN is given.
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}

		store := archive.NewStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		total, err := store.Count(ctx, convKey)
		if err != nil {
			log.Printf("[tail] count failed: %v", err)
		}
		history, err := store.ListSince(ctx, convKey, sinceID, historyLimit)
		cancel()
		if err != nil {
			log.Fatalf("failed to read history: %v", err)
		}

		fmt.Printf("-- %s: %d archived, showing %d after id %d --\n",
			convKey, total, len(history), sinceID)
		for _, m := range history {
			fmt.Printf("%s  #%d  %s: %s\n",
				protocol.FormatTime(m.AcceptedAt), m.ID, m.UserName, m.Text)
		}

		if err := db.Close(); err != nil {
			log.Printf("[tail] postgres close: %v", err)
		}
	}

	// Live stream.
	natsConfig := messaging.DefaultConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "chat-tail"

	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	err = natsClient.SubscribeMessages(convKey, "tail", func(data []byte) {
		var ev sync.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[tail] bad message event: %v", err)
			return
		}
		fmt.Printf("%s  #%d  %s: %s\n",
			protocol.FormatTime(ev.AcceptedAt), ev.ID, ev.UserName, ev.Text)
	})
	if err != nil {
		log.Fatalf("failed to subscribe to messages: %v", err)
	}

	for _, user := range []string{userA, userB} {
		user := user
		if err := natsClient.SubscribePresence(user, "tail:"+user, func(data []byte) {
			var ev sync.PresenceEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[tail] bad presence event: %v", err)
				return
			}
			state := "offline"
			if ev.IsOnline {
				state = "online"
			}
			fmt.Printf("%s  *  %s is %s\n", protocol.FormatTime(ev.LastSeen), ev.UserID, state)
		}); err != nil {
			log.Fatalf("failed to subscribe to presence for %s: %v", user, err)
		}
	}

	typingDirs := [][2]string{{userA, userB}, {userB, userA}}
	for _, dir := range typingDirs {
		from, to := dir[0], dir[1]
		owner := "tail:" + from + ":" + to
		if err := natsClient.SubscribeTyping(from, to, owner, func(data []byte) {
			var ev sync.TypingEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Printf("[tail] bad typing event: %v", err)
				return
			}
			verb := "stopped typing to"
			if ev.IsTyping {
				verb = "is typing to"
			}
			fmt.Printf("%s  *  %s %s %s\n", protocol.FormatTime(ev.Timestamp), ev.From, verb, ev.To)
		}); err != nil {
			log.Fatalf("failed to subscribe to typing %s->%s: %v", from, to, err)
		}
	}

	fmt.Printf("-- tailing %s (ctrl-c to stop) --\n", convKey)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := natsClient.UnsubscribeMessages("tail"); err != nil {
		log.Printf("[tail] unsubscribe messages: %v", err)
	}
	for _, user := range []string{userA, userB} {
		if err := natsClient.UnsubscribePresence("tail:" + user); err != nil {
			log.Printf("[tail] unsubscribe presence %s: %v", user, err)
		}
	}
	for _, dir := range typingDirs {
		if err := natsClient.UnsubscribeTyping("tail:" + dir[0] + ":" + dir[1]); err != nil {
			log.Printf("[tail] unsubscribe typing %s->%s: %v", dir[0], dir[1], err)
		}
	}
	natsClient.Close()
}
