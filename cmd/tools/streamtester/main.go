package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/relaychat/backend/internal/model/chat"
	"github.com/zhouzirui/relaychat/backend/pkg/ndjson"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	base := flag.String("base", defaultBase(), "relaychat 服务地址")
	chatID := flag.String("chat", "", "会话 ID，留空则新建会话")
	prompt := flag.String("prompt", "", "发送的消息内容")
	stopAfter := flag.Duration("stop-after", 0, "在指定时间后发送停止请求 (0 表示不停止)")
	timeout := flag.Duration("timeout", 2*time.Minute, "整体超时时间")

	flag.Parse()

	if strings.TrimSpace(*prompt) == "" {
		flag.Usage()
		log.Fatal("请通过 -prompt 指定消息内容")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{base: strings.TrimRight(*base, "/"), http: &http.Client{}}

	id := *chatID
	if id == "" {
		session, err := c.createSession(ctx)
		if err != nil {
			log.Fatalf("创建会话失败: %v", err)
		}
		id = session.ID
		log.Printf("created chat %s", id)
	}

	if *stopAfter > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(*stopAfter):
				stopped, err := c.stop(ctx, id)
				if err != nil {
					log.Printf("stop request failed: %v", err)
					return
				}
				log.Printf("stop requested, active stream found=%t", stopped)
			}
		}()
	}

	started := time.Now()
	acc := &ndjson.Accumulator{
		OnRecord: func(fragment string) { fmt.Print(fragment) },
		OnMalformed: func(record []byte, err error) {
			log.Printf("skipping malformed record: %v", err)
		},
	}
	n, err := c.send(ctx, id, *prompt, acc)
	acc.Close()
	fmt.Println()
	if err != nil {
		log.Fatalf("消息发送失败: %v", err)
	}
	log.Printf("stream ended after %s: bytes=%d records=%d malformed=%d",
		time.Since(started).Round(time.Millisecond), n, acc.Records(), acc.Malformed())

	messages, err := c.history(ctx, id)
	if err != nil {
		log.Fatalf("读取历史失败: %v", err)
	}
	fmt.Println("---- history ----")
	for _, m := range messages {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Format(time.RFC3339), m.Role, m.Content)
	}
}

func defaultBase() string {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && !strings.Contains(port, ":") {
		return "http://localhost:" + port
	}
	return "http://localhost:3001"
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *client) createSession(ctx context.Context) (chat.Session, error) {
	var session chat.Session
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", nil)
	if err != nil {
		return session, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return session, err
	}
	return session, json.NewDecoder(resp.Body).Decode(&session)
}

// send posts the prompt and copies the streamed body into w as it arrives.
func (c *client) send(ctx context.Context, chatID, prompt string, w io.Writer) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/"+chatID+"/message", map[string]string{"content": prompt})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

func (c *client) stop(ctx context.Context, chatID string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat/"+chatID+"/stop", nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, checkStatus(resp)
	}
}

func (c *client) history(ctx context.Context, chatID string) ([]chat.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/chat/"+chatID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var messages []chat.Message
	return messages, json.NewDecoder(resp.Body).Decode(&messages)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); err != nil || payload.Error == "" {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, payload.Error)
}
