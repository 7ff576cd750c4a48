package api

import "embed"

//go:embed openapi/*.yaml
var OpenAPIFS embed.FS

// MasterSpec 嵌入的 Master 接口文档路径
const MasterSpec = "openapi/master.yaml"
