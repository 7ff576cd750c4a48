package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
	"angel-master/internal/shared/storage"
)

// Session 注册或登录成功后的结果
type Session struct {
	WorkerID string
	Token    string // 认证关闭时为空
	Params   model.WorkerParams
}

// Authenticator 工作节点凭据管理
type Authenticator struct {
	store storage.CredentialStore
	cfg   Config
}

// NewAuthenticator 创建认证器
func NewAuthenticator(store storage.CredentialStore, cfg Config) *Authenticator {
	return &Authenticator{store: store, cfg: cfg}
}

// Config 认证配置
func (a *Authenticator) Config() Config {
	return a.cfg
}

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

func validateCredentials(name, password string) error {
	if !nameRegex.MatchString(name) {
		return scherr.New(scherr.CodeInvalidRequest, "name must match %s", nameRegex.String())
	}
	if password == "" {
		return scherr.New(scherr.CodeInvalidRequest, "password is required")
	}
	return nil
}

// Register 创建凭据并签发令牌
//
// 名称已存在返回 DUPLICATE_WORKER。
func (a *Authenticator) Register(ctx context.Context, name, password string, params model.WorkerParams) (*Session, error) {
	if err := validateCredentials(name, password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, scherr.Wrap(scherr.CodeInvalidRequest, err, "hash password")
	}
	if params.GroupID == "" {
		params.GroupID = model.DefaultWorkerGroup
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, scherr.Wrap(scherr.CodeInvalidRequest, err, "encode params")
	}

	cred := &model.Credential{
		WorkerID:     "worker-" + uuid.New().String(),
		Name:         name,
		PasswordHash: hash,
		Params:       raw,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateCredential(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, scherr.New(scherr.CodeDuplicateWorker, "worker name %q already registered", name)
		}
		return nil, scherr.Persistence(err, "create credential "+name)
	}
	log.Printf("[auth.register] name=%s worker_id=%s group_id=%s", name, cred.WorkerID, params.GroupID)

	return a.session(cred)
}

// Login 校验密码并签发令牌
func (a *Authenticator) Login(ctx context.Context, name, password string) (*Session, error) {
	if err := validateCredentials(name, password); err != nil {
		return nil, err
	}
	cred, err := a.store.GetCredentialByName(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, scherr.New(scherr.CodeUnauthorized, "invalid name or password")
		}
		return nil, scherr.Persistence(err, "get credential "+name)
	}
	if !CheckPassword(password, cred.PasswordHash) {
		return nil, scherr.New(scherr.CodeUnauthorized, "invalid name or password")
	}
	return a.session(cred)
}

func (a *Authenticator) session(cred *model.Credential) (*Session, error) {
	s := &Session{WorkerID: cred.WorkerID, Params: cred.DecodeParams()}
	if !a.cfg.Enabled() {
		return s, nil
	}
	token, err := GenerateToken(a.cfg, cred.WorkerID, RoleWorker)
	if err != nil {
		return nil, scherr.Wrap(scherr.CodeUnauthorized, err, "sign token")
	}
	s.Token = token
	return s, nil
}
