package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type feedEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Checks a running daemon: the feed rejects unauthenticated dials, and an
// event posted to the API shows up on the feed as task.queued.
func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "gateway base URL")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "gateway bearer token")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	httpBase := strings.TrimRight(*base, "/")
	wsURL := "ws" + strings.TrimPrefix(httpBase, "http") + "/ws?topic=task."

	_, unauthResp, unauthErr := websocket.Dial(ctx, wsURL, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	auth := http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*token)}}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: auth})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	eventID := fmt.Sprintf("verify-%d", time.Now().UnixNano())
	body, _ := json.Marshal(map[string]string{
		"provider":   "verify",
		"channel_id": "ws-feed-check",
		"event_id":   eventID,
		"event_ts":   fmt.Sprintf("%d.0", time.Now().Unix()),
		"user_id":    "verify",
		"text":       "ws feed check",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, httpBase+"/api/events", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		os.Exit(1)
	}
	req.Header = auth.Clone()
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "post event: %v\n", err)
		os.Exit(1)
	}
	resp.Body.Close()
	fmt.Printf("EVENT_POST event_id=%s status=%d\n", eventID, resp.StatusCode)
	if resp.StatusCode != http.StatusAccepted {
		os.Exit(1)
	}

	for {
		var ev feedEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			fmt.Fprintf(os.Stderr, "read failed: %v\n", err)
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		fmt.Printf("<< %s %s\n", ev.Topic, ev.Payload)
		if ev.Topic == "task.queued" {
			break
		}
	}
	fmt.Println("VERDICT PASS")
}
