package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"goim-gateway/pkg/auth"
	"goim-gateway/pkg/gatewayclient"
	"goim-gateway/pkg/logger"
	"goim-gateway/pkg/protocol"
)

// currentCall 最近一次发起或收到的通话
var currentCall atomic.Value

func main() {
	// 命令行参数
	var (
		userID   = flag.String("user", "1001", "当前用户ID，未指定 token 时用于签发调试token")
		targetID = flag.String("target", "1002", "通话目标用户ID")
		wsURL    = flag.String("wsurl", "ws://localhost:21005/gateway", "网关 websocket 地址")
		token    = flag.String("token", "", "JWT，为空时用 secret 本地签发")
		secret   = flag.String("secret", "secret", "签发调试token的密钥，与网关 app.jwt_secret 一致")
		status   = flag.String("status", protocol.StatusOnline, "连接后上报的在线状态")
		autoMode = flag.Bool("auto", false, "自动模式，循环切换在线状态")
		verbose  = flag.Bool("v", false, "输出客户端日志")
	)
	flag.Parse()

	if *token == "" {
		t, err := auth.GenerateToken(*userID, &auth.JWTConfig{Secret: *secret, ExpireTime: 24 * time.Hour})
		if err != nil {
			log.Fatalf("❌ 签发token失败: %v", err)
		}
		*token = t
		fmt.Printf("🔧 调试模式：本地签发 user=%s 的token\n", *userID)
	}

	zl := zap.NewNop()
	if *verbose {
		zl, _ = zap.NewDevelopment()
	}
	clientLog := logger.NewWithZap(zl)

	opts := gatewayclient.DefaultOptions(*wsURL, *token)
	opts.InitialStatus = *status
	opts.Logger = clientLog
	client := gatewayclient.New(opts)
	calls := gatewayclient.NewCallManager(client, clientLog)
	calls.Bind(client)

	subscribe(client, calls, *userID)

	fmt.Printf("🔌 正在连接网关: %s\n", *wsURL)
	if err := client.Connect(context.Background()); err != nil {
		log.Fatalf("❌ 网关连接失败: %v", err)
	}
	defer client.Close()

	fmt.Println("\n📱 网关客户端已启动！")
	fmt.Printf("🎯 通话目标用户ID: %s\n", *targetID)
	fmt.Println("📋 输入 'help' 查看命令")
	fmt.Println(strings.Repeat("-", 50))

	go func() {
		<-client.Done()
		if err := client.Err(); err != nil {
			fmt.Printf("\n❌ 连接已停止: %v\n", err)
		} else {
			fmt.Println("\n👋 连接已关闭")
		}
		os.Exit(0)
	}()

	if *autoMode {
		go autoPresence(client)
	}

	handleUserInput(client, calls, *userID, *targetID)
}

// subscribe 打印收到的事件
func subscribe(client *gatewayclient.Client, calls *gatewayclient.CallManager, userID string) {
	client.OnReady(func(interval time.Duration) {
		fmt.Printf("\n✅ 握手完成，心跳间隔 %v\n", interval)
		prompt(userID)
	})

	for _, event := range []string{
		protocol.EventMessageCreate,
		protocol.EventPresenceUpdate,
		protocol.EventVoiceStateUpdate,
		protocol.EventFriendRequest,
	} {
		event := event
		client.On(event, func(data json.RawMessage) {
			fmt.Printf("\n📥 [%s] %s %s\n", time.Now().Format("15:04:05"), event, data)
			prompt(userID)
		})
	}

	calls.OnIncoming(func(info gatewayclient.CallInfo) {
		currentCall.Store(info.CallID)
		fmt.Printf("\n📞 来自用户%s的%s通话 (call=%s)，输入 accept 或 reject\n", info.PeerID, info.Type, info.CallID)
		prompt(userID)
	})
	calls.OnEnded(func(info gatewayclient.CallInfo) {
		fmt.Printf("\n📴 通话 %s 已结束\n", info.CallID)
		prompt(userID)
	})
}

func prompt(userID string) {
	fmt.Printf("[用户%s] 💬 ", userID)
}

// 处理用户输入
func handleUserInput(client *gatewayclient.Client, calls *gatewayclient.CallManager, userID, targetID string) {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		prompt(userID)
		if !scanner.Scan() {
			break
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		var (
			err    error
			callID string
		)
		switch cmd, args := fields[0], fields[1:]; cmd {
		case "exit", "quit", "q":
			fmt.Println("👋 再见！")
			return
		case "help", "h":
			showHelp()
		case "/to":
			if len(args) == 1 {
				targetID = args[0]
				fmt.Printf("🎯 目标用户已切换为: %s\n", targetID)
			}
		case "status":
			if len(args) != 1 || !protocol.ValidStatus(args[0]) {
				fmt.Println("❌ 用法: status online|idle|dnd|offline")
				continue
			}
			err = client.UpdatePresence(args[0])
		case "voice":
			err = updateVoice(client, args)
		case "call":
			callType := protocol.CallTypeVoice
			if len(args) > 0 {
				callType = args[0]
			}
			callID, err = calls.Start(targetID, "", callType)
			if err == nil {
				currentCall.Store(callID)
				fmt.Printf("📞 正在呼叫用户%s (call=%s)\n", targetID, callID)
			}
		case "accept":
			if callID, err = lastCall(calls, args); err == nil {
				err = calls.Accept(callID)
			}
		case "reject":
			if callID, err = lastCall(calls, args); err == nil {
				err = calls.Reject(callID)
			}
		case "hangup":
			if callID, err = lastCall(calls, args); err == nil {
				err = calls.End(callID)
			}
		default:
			fmt.Println("❌ 未知命令，输入 help 查看")
		}

		if err != nil {
			fmt.Printf("❌ %v\n", err)
		}
	}
}

// updateVoice voice <serverId> <channelId> [mute] [deaf] 加入，voice leave <serverId> 离开
func updateVoice(client *gatewayclient.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("用法: voice <serverId> <channelId> [mute] [deaf] | voice leave <serverId>")
	}
	if args[0] == "leave" {
		return client.UpdateVoiceState(args[1], nil, false, false)
	}

	channelID := args[1]
	var mute, deaf bool
	for _, opt := range args[2:] {
		switch opt {
		case "mute":
			mute = true
		case "deaf":
			deaf = true
		}
	}
	return client.UpdateVoiceState(args[0], &channelID, mute, deaf)
}

// lastCall 未指定 callId 时使用最近一次通话
func lastCall(calls *gatewayclient.CallManager, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	current, _ := currentCall.Load().(string)
	if current == "" {
		return "", fmt.Errorf("没有进行中的通话")
	}
	if _, ok := calls.Call(current); !ok {
		return "", fmt.Errorf("通话 %s 不存在", current)
	}
	return current, nil
}

// 显示帮助信息
func showHelp() {
	fmt.Println("\n📋 可用命令:")
	fmt.Println("  exit/quit/q                 - 退出程序")
	fmt.Println("  help/h                      - 显示帮助")
	fmt.Println("  /to <用户ID>                - 切换通话目标")
	fmt.Println("  status <状态>               - 更新在线状态 online|idle|dnd|offline")
	fmt.Println("  voice <服务器> <频道> [mute] [deaf] - 加入语音频道")
	fmt.Println("  voice leave <服务器>        - 离开语音频道")
	fmt.Println("  call [voice|video]          - 呼叫目标用户")
	fmt.Println("  accept|reject|hangup [callId] - 处理通话")
}

// 自动模式循环切换在线状态
func autoPresence(client *gatewayclient.Client) {
	statuses := []string{protocol.StatusIdle, protocol.StatusDND, protocol.StatusOnline}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-client.Done():
			return
		case <-ticker.C:
		}
		status := statuses[i%len(statuses)]
		if err := client.UpdatePresence(status); err != nil {
			log.Printf("❌ 更新在线状态失败: %v", err)
			continue
		}
		fmt.Printf("🤖 在线状态已切换为: %s\n", status)
	}
}
