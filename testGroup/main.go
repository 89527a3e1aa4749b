package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"goim-gateway/pkg/auth"
	"goim-gateway/pkg/gatewayclient"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// ChannelMember 频道成员的一条网关连接
type ChannelMember struct {
	UserID   string
	Client   *gatewayclient.Client
	Received int
}

// ChannelTester 多成员频道广播测试：每个成员一条网关连接，通过 REST 派发接口发消息
type ChannelTester struct {
	channelID string
	apiURL    string
	token     string
	members   map[string]*ChannelMember
	order     []string
	http      *http.Client
	mu        sync.Mutex
}

func main() {
	var (
		members   = flag.String("members", "1001,1002,1003", "频道成员用户ID，逗号分隔")
		channelID = flag.String("channel", "", "频道ID（channels 或 dm_channels 中存在的）")
		wsURL     = flag.String("wsurl", "ws://localhost:21005/gateway", "网关 websocket 地址")
		apiURL    = flag.String("api", "http://localhost:21005/api/v1/gateway", "网关 REST 地址")
		secret    = flag.String("secret", "secret", "签发调试token的密钥，与网关 app.jwt_secret 一致")
		svcSecret = flag.String("service-secret", "service-secret", "签发派发接口token的密钥，与网关 app.service_secret 一致")
	)
	flag.Parse()

	fmt.Println("=== Multi-Member Channel Fanout Tester ===")
	if *channelID == "" {
		fmt.Print("Enter Channel ID: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		*channelID = strings.TrimSpace(line)
	}
	if *channelID == "" {
		log.Fatal("Channel ID is required")
	}

	jwtConfig := &auth.JWTConfig{Secret: *secret, ExpireTime: 24 * time.Hour}
	// 派发接口只接受服务凭证
	userIDs := strings.Split(*members, ",")
	apiToken, err := auth.GenerateToken("test-group", &auth.JWTConfig{Secret: *svcSecret, ExpireTime: time.Hour})
	if err != nil {
		log.Fatal("Failed to sign token:", err)
	}

	tester := &ChannelTester{
		channelID: *channelID,
		apiURL:    strings.TrimSuffix(*apiURL, "/"),
		token:     apiToken,
		members:   make(map[string]*ChannelMember),
		http:      &http.Client{Timeout: 10 * time.Second},
	}

	fmt.Println("Connecting gateway for each member...")
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := tester.connectMember(*wsURL, id, jwtConfig); err != nil {
			log.Printf("Failed to connect member %s: %v", id, err)
			continue
		}
		fmt.Printf("Connected: user %s\n", id)
	}
	defer tester.closeAll()

	// 等待握手与 online 广播完成
	time.Sleep(time.Second)
	if err := tester.checkPresence(); err != nil {
		log.Printf("Warning: Failed to check presence: %v", err)
	}

	fmt.Println("\nCommands:")
	fmt.Println("  <message>            - Broadcast MESSAGE_CREATE to the channel")
	fmt.Println("  @<userID> <message>  - Dispatch MESSAGE_CREATE to one user")
	fmt.Println("  list                 - Show members, presence and received counts")
	fmt.Println("  quit                 - Exit")
	fmt.Println("----------------------------------------")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "quit":
			fmt.Println("Exiting...")
			return
		case input == "list":
			if err := tester.checkPresence(); err != nil {
				fmt.Printf("Failed to check presence: %v\n", err)
			}
		case strings.HasPrefix(input, "@"):
			parts := strings.SplitN(input[1:], " ", 2)
			if len(parts) < 2 {
				fmt.Println("Use format: @<userID> <message>")
				continue
			}
			n, err := tester.dispatch("/users/"+parts[0]+"/dispatch", parts[1])
			report(n, err)
		default:
			n, err := tester.dispatch("/channels/"+tester.channelID+"/dispatch", input)
			report(n, err)
		}
	}
}

func report(delivered int, err error) {
	if err != nil {
		fmt.Printf("Dispatch failed: %v\n", err)
		return
	}
	fmt.Printf("Dispatched to %d connection(s)\n", delivered)
}

// connectMember 为成员建立网关连接并打印收到的事件
func (t *ChannelTester) connectMember(wsURL, userID string, jwtConfig *auth.JWTConfig) error {
	token, err := auth.GenerateToken(userID, jwtConfig)
	if err != nil {
		return err
	}

	opts := gatewayclient.DefaultOptions(wsURL, token)
	opts.Logger = logger.NewWithZap(zap.NewNop())
	client := gatewayclient.New(opts)
	member := &ChannelMember{UserID: userID, Client: client}

	client.On(protocol.EventMessageCreate, func(data json.RawMessage) {
		t.mu.Lock()
		member.Received++
		t.mu.Unlock()
		fmt.Printf("\n[user %s] MESSAGE_CREATE %s\n> ", userID, data)
	})
	client.On(protocol.EventPresenceUpdate, func(data json.RawMessage) {
		fmt.Printf("\n[user %s] PRESENCE_UPDATE %s\n> ", userID, data)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.members[userID] = member
	t.order = append(t.order, userID)
	t.mu.Unlock()
	return nil
}

// checkPresence 批量查询成员在线状态
func (t *ChannelTester) checkPresence() error {
	t.mu.Lock()
	ids := append([]string{}, t.order...)
	t.mu.Unlock()

	var result struct {
		Success  bool              `json:"success"`
		Message  string            `json:"message"`
		Statuses map[string]string `json:"statuses"`
	}
	if err := t.post("/presence", map[string]interface{}{"user_ids": ids}, &result); err != nil {
		return err
	}

	fmt.Println("\nChannel Members:")
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, id := range ids {
		fmt.Printf("  %d. user %s [%s] received=%d\n", i+1, id, result.Statuses[id], t.members[id].Received)
	}
	fmt.Println()
	return nil
}

// dispatch 通过 REST 接口派发一条 MESSAGE_CREATE
func (t *ChannelTester) dispatch(path, content string) (int, error) {
	req := map[string]interface{}{
		"event": protocol.EventMessageCreate,
		"payload": map[string]interface{}{
			"channelId": t.channelID,
			"content":   content,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}

	var result struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		Delivered int    `json:"delivered"`
	}
	if err := t.post(path, req, &result); err != nil {
		return 0, err
	}
	if !result.Success {
		return 0, fmt.Errorf("%s", result.Message)
	}
	return result.Delivered, nil
}

func (t *ChannelTester) post(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, t.apiURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("status %d: %w", resp.StatusCode, err)
	}
	return nil
}

// closeAll 以 1000 关闭所有连接，网关随后广播 offline
func (t *ChannelTester) closeAll() {
	t.mu.Lock()
	members := make([]*ChannelMember, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	t.mu.Unlock()

	for _, m := range members {
		_ = m.Client.Close()
		fmt.Printf("Closed connection for user %s\n", m.UserID)
	}
}
