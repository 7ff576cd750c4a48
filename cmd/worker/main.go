// Package main 工作节点代理入口
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"angel-master/internal/config"
	"angel-master/internal/workeragent"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	wc := config.LoadWorker()

	// 环境变量 > yaml 配置 > 机器指纹
	cfg := workeragent.Config{
		MasterURL:         wc.MasterURL,
		Name:              firstNonEmpty(wc.Name, workeragent.DefaultName()),
		Password:          firstNonEmpty(wc.Password, workeragent.DefaultPassword()),
		GroupID:           wc.GroupID,
		Desc:              wc.Desc,
		Slots:             wc.Slots,
		HeartbeatInterval: wc.HeartbeatInterval,
		PollInterval:      wc.PollInterval,
		Shell:             wc.Shell,
	}

	if strings.HasPrefix(cfg.MasterURL, "https://") && wc.CAFile != "" {
		client, err := buildTLSClient(wc.CAFile)
		if err != nil {
			log.Fatalf("[worker.tls] failed to load CA: %v", err)
		}
		cfg.HTTPClient = client
		log.Printf("[worker.tls] ca=%s", wc.CAFile)
	}

	log.Printf("[worker.start] name=%s master=%s group_id=%s slots=%d config=%s",
		cfg.Name, cfg.MasterURL, cfg.GroupID, cfg.Slots, wc.ConfigFilePath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := workeragent.New(cfg).Run(ctx); err != nil {
		log.Printf("[worker.exit] error=%v", err)
		os.Exit(1)
	}
	fmt.Println("Worker stopped")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// buildTLSClient 构建带自定义 CA 证书的 HTTP 客户端
func buildTLSClient(caFile string) (*http.Client, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}, nil
}
