package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/messaging-core/pkg/model"
	"github.com/mahaj/messaging-core/pkg/snowflake"
)

type session struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Token string `json:"token"`
}

// frame covers both pushed events and replies.
type frame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Message        *model.Message `json:"message"`
	MessageID      snowflake.ID   `json:"message_id"`
	Status         model.Status   `json:"status"`
	ReadBy         []string       `json:"read_by"`
	Error          *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func authenticate(apiAddr, path string, body map[string]string) (session, error) {
	reqBody, _ := json.Marshal(body)
	resp, err := http.Post(apiAddr+path, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return session{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		return session{}, fmt.Errorf("%s failed: %s", path, strings.TrimSpace(string(b)))
	}

	var s session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return session{}, err
	}
	return s, nil
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway address")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	username := flag.String("register", "", "register a new account with this username first")
	to := flag.String("to", "", "recipient user id")
	group := flag.String("group", "", "group id (overrides -to)")
	flag.Parse()

	receiver, isGroup := *to, false
	if *group != "" {
		receiver, isGroup = *group, true
	}
	if receiver == "" || *email == "" {
		log.Fatal("-email and one of -to or -group are required")
	}

	// 1. Login (or register) to get a token
	apiAddr := "http://" + *serverAddr
	var (
		sess session
		err  error
	)
	if *username != "" {
		sess, err = authenticate(apiAddr, "/auth/register", map[string]string{"username": *username, "email": *email, "password": *password})
	} else {
		sess, err = authenticate(apiAddr, "/auth/login", map[string]string{"email": *email, "password": *password})
	}
	if err != nil {
		log.Fatal("auth failed: ", err)
	}
	log.Printf("Logged in as %s (%s)", sess.User.Username, sess.User.ID)

	// 2. Connect to WebSocket with token
	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws"}
	header := http.Header{}
	header.Add("Authorization", "Bearer "+sess.Token)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	if err := c.WriteJSON(map[string]any{"type": "subscribe", "receiver_id": receiver, "is_group": isGroup}); err != nil {
		log.Fatal("subscribe:", err)
	}

	done := make(chan struct{})

	// 3. Start goroutine to read frames
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			// The server batches queued frames with newlines
			for _, line := range bytes.Split(message, []byte{'\n'}) {
				var f frame
				if err := json.Unmarshal(line, &f); err != nil {
					log.Printf("Received raw: %s", line)
					continue
				}
				show(f, sess.User.ID)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// 4. Read from stdin and send messages
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}

			if text == "/quit" {
				close(interrupt)
				break
			}

			var out map[string]any
			if id, ok := strings.CutPrefix(text, "/read "); ok {
				out = map[string]any{"type": "read", "message_id": strings.TrimSpace(id)}
			} else {
				out = map[string]any{"type": "send", "content": text, "recipient_id": receiver, "is_group": isGroup}
			}
			if err := c.WriteJSON(out); err != nil {
				log.Println("write:", err)
				break
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")

			// Cleanly close the connection by sending a close message and then
			// waiting (with timeout) for the server to close the connection.
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

func show(f frame, self string) {
	switch f.Type {
	case string(model.EventMessageCreated):
		if f.Message == nil || f.Message.SenderID == self {
			return
		}
		fmt.Printf("\r[%s] %s: %s\n> ", f.Message.ID, f.Message.SenderID, f.Message.Content)
	case string(model.EventStatusChanged):
		fmt.Printf("\r%s is %s\n> ", f.MessageID, f.Status)
	case "subscribed":
		fmt.Printf("\rjoined %s\n> ", f.ConversationID)
	case "error":
		if f.Error != nil {
			fmt.Printf("\rerror: %s\n> ", f.Error.Message)
		}
	}
}
