package workeragent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

const maxHostLen = 32

// DefaultName 生成确定性的登录名 worker-<hostname>-<指纹>
//
// 指纹为 /etc/machine-id 的 HMAC-SHA256 前缀，同一台机器重启后名称不变，
// 因而以同名登录接管旧会话。不直接暴露 machine-id。
func DefaultName() string {
	host, _ := os.Hostname()
	host = strings.ToLower(strings.TrimSpace(host))
	if len(host) > maxHostLen {
		host = host[:maxHostLen]
	}
	if host == "" {
		host = "host"
	}
	return "worker-" + host + "-" + fingerprint("angel-worker-name-v1")[:12]
}

// DefaultPassword 由机器指纹派生的登录密码，仅用于未配置密码的部署
func DefaultPassword() string {
	return fingerprint("angel-worker-secret-v1")
}

// fingerprint 以 key 对机器标识做 HMAC，返回十六进制
//
// 回退顺序：/etc/machine-id、/var/lib/dbus/machine-id、hostname + 首个非回环 MAC、随机 UUID。
func fingerprint(key string) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(machineID()))
	return hex.EncodeToString(h.Sum(nil))
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	if mac := firstMAC(); hostname != "" || mac != "" {
		return hostname + ":" + mac
	}
	return uuid.NewString()
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
