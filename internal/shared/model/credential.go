package model

import (
	"encoding/json"
	"time"
)

// Credential 工作节点登录凭据
//
// 注册时由认证层创建，PasswordHash 为 bcrypt 哈希，Params 保存注册参数（group_id、desc 等）。
type Credential struct {
	WorkerID     string          `json:"worker_id" bson:"_id" db:"worker_id"`
	Name         string          `json:"name" bson:"name" db:"name"`
	PasswordHash string          `json:"-" bson:"password_hash" db:"password_hash"`
	Params       json.RawMessage `json:"params,omitempty" bson:"params,omitempty" db:"params"`
	CreatedAt    time.Time       `json:"created_at" bson:"created_at" db:"created_at"`
}

// WorkerParams 注册参数
type WorkerParams struct {
	GroupID string `json:"group_id"`
	Desc    string `json:"desc,omitempty"`
}

// DecodeParams 解析注册参数，缺省机群为 default
func (c *Credential) DecodeParams() WorkerParams {
	var p WorkerParams
	if len(c.Params) > 0 {
		_ = json.Unmarshal(c.Params, &p)
	}
	if p.GroupID == "" {
		p.GroupID = DefaultWorkerGroup
	}
	return p
}

// DefaultWorkerGroup 注册时未指定 group_id 的工作节点所属机群
const DefaultWorkerGroup = "default"
