package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

type session struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Token string `json:"token"`
}

type message struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

var apiAddr string

// do sends a JSON request and decodes the JSON response into out.
func do(method, path, token string, body, out any) {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, apiAddr+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Add("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		log.Fatalf("%s %s: %d %s", method, path, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func register(name string) session {
	var s session
	do(http.MethodPost, "/auth/register", "", map[string]string{
		"username": name,
		"email":    name + "@example.com",
		"password": "password123",
	}, &s)
	return s
}

func main() {
	flag.StringVar(&apiAddr, "api", "http://localhost:8080", "gateway address")
	flag.Parse()

	// 1. Register two fresh users
	suffix := time.Now().Format("150405")
	alice, bob := register("alice"+suffix), register("bob"+suffix)
	fmt.Printf("alice=%s bob=%s\n", alice.User.ID, bob.User.ID)

	// 2. Send a DM
	var created struct {
		Message message `json:"message"`
	}
	do(http.MethodPost, "/messages", alice.Token, map[string]any{"content": "hello bob", "recipient_id": bob.User.ID}, &created)
	log.Printf("Sent %s (%s)", created.Message.ID, created.Message.Status)

	// 3. Fetch history as the recipient
	var window struct {
		Messages []message `json:"messages"`
	}
	do(http.MethodGet, "/messages?receiver_id="+alice.User.ID, bob.Token, nil, &window)
	log.Printf("History: %d message(s)", len(window.Messages))

	// 4. Read receipt, then check it stuck
	do(http.MethodPost, "/messages/"+created.Message.ID+"/read", bob.Token, nil, nil)
	do(http.MethodGet, "/messages?receiver_id="+bob.User.ID, alice.Token, nil, &window)
	if n := len(window.Messages); n == 0 || window.Messages[n-1].Status != "read" {
		log.Fatalf("expected last message to be read, got %+v", window.Messages)
	}

	// 5. Presence
	var online struct {
		Online bool `json:"online"`
	}
	do(http.MethodGet, "/users/"+bob.User.ID+"/online", alice.Token, nil, &online)
	log.Printf("bob online: %v", online.Online)
	log.Println("OK")
}
