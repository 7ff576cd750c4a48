// Package workeragent 工作节点代理
//
// 代理以拉取模式与 Master 交互：注册或登录取得 token，按固定间隔发送心跳
// 并执行心跳响应中的指令，空闲槽位时领取任务，用 shell 执行任务载荷，
// 逐行上报输出并回调最终状态。所有通信都是到 Master 的 HTTP 请求。
package workeragent

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// Config 代理配置
type Config struct {
	MasterURL         string        // Master 地址
	Name              string        // 登录名，同名重启会接管原有会话
	Password          string        // 登录密码
	GroupID           string        // 所属机群，首次注册时生效
	Desc              string        // 描述
	Slots             int           // 并发执行槽位
	HeartbeatInterval time.Duration // 心跳间隔，须小于 Master 的 TTL
	PollInterval      time.Duration // 领取间隔
	Shell             string        // 执行命令的 shell
	HTTPClient        *http.Client  // 自定义 HTTP 客户端（可选）
}

func (c *Config) setDefaults() {
	if c.Slots <= 0 {
		c.Slots = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Shell == "" {
		c.Shell = "sh"
	}
}

// runningTask 本地执行中的任务
type runningTask struct {
	cancel context.CancelFunc
	// revoked 为 true 表示任务已不属于本节点，结束后不再回调
	revoked bool
}

// Agent 工作节点代理
type Agent struct {
	config   Config
	client   *Client
	sampler  *Sampler
	executor *Executor

	connMu   sync.Mutex // 串行化登录
	mu       sync.Mutex // 保护以下字段
	workerID string
	gen      int // 会话代数，每次登录加一
	running  map[string]*runningTask
	draining bool

	tasks sync.WaitGroup
}

// New 创建代理
func New(cfg Config) *Agent {
	cfg.setDefaults()
	return &Agent{
		config:   cfg,
		client:   NewClient(cfg.MasterURL, cfg.HTTPClient),
		sampler:  NewSampler(),
		executor: &Executor{Shell: cfg.Shell},
		running:  make(map[string]*runningTask),
	}
}

// WorkerID 当前会话的工作节点 ID
func (a *Agent) WorkerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID
}

// Draining 是否已收到排空指令
func (a *Agent) Draining() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining
}

// Run 运行代理直到 ctx 取消或排空完成
//
// 排空完成时主动下线并返回 nil；ctx 取消时终止执行中的任务并下线，
// 使 Master 立即重新分配这些任务。
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.connect(ctx); err != nil {
		return err
	}
	log.Printf("[agent.start] worker_id=%s slots=%d", a.WorkerID(), a.config.Slots)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(loopCtx)
	}()

	a.pullLoop(loopCtx)
	cancel()
	wg.Wait()
	a.tasks.Wait()

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer logoutCancel()
	if err := a.client.Logout(logoutCtx, a.WorkerID()); err != nil {
		log.Printf("[agent.logout.failed] worker_id=%s error=%v", a.WorkerID(), err)
	}
	log.Printf("[agent.stopped] worker_id=%s drained=%v", a.WorkerID(), a.Draining())
	return nil
}

// ============================================================================
// 会话
// ============================================================================

// connect 注册，名称已存在时改为登录，返回新的会话代数
func (a *Agent) connect(ctx context.Context) (int, error) {
	params := model.WorkerParams{GroupID: a.config.GroupID, Desc: a.config.Desc}
	sess, err := a.client.Register(ctx, a.config.Name, a.config.Password, params)
	if IsCode(err, scherr.CodeDuplicateWorker) {
		sess, err = a.client.Login(ctx, a.config.Name, a.config.Password)
	}
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.workerID = sess.WorkerID
	a.gen++
	log.Printf("[agent.session] worker_id=%s group_id=%s gen=%d", sess.WorkerID, sess.GroupID, a.gen)
	return a.gen, nil
}

// session 返回当前会话
func (a *Agent) session() (string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workerID, a.gen
}

// reconnect 会话失效后重新登录
//
// 登录会使 Master 重新分配本节点持有的任务，因此先撤销本地全部任务。
// gen 已过期说明其他协程已完成重连。
func (a *Agent) reconnect(ctx context.Context, gen int) {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if _, cur := a.session(); cur != gen {
		return
	}
	a.mu.Lock()
	for id, rt := range a.running {
		rt.revoked = true
		rt.cancel()
		log.Printf("[agent.task.revoke] task_id=%s reason=session_lost", id)
	}
	a.mu.Unlock()

	if _, err := a.connect(ctx); err != nil {
		log.Printf("[agent.reconnect.failed] error=%v", err)
	}
}

// sessionLost 判断错误是否表示会话失效
func sessionLost(err error) bool {
	return IsCode(err, scherr.CodeUnknownWorker) || IsCode(err, scherr.CodeUnauthorized)
}

// ============================================================================
// 心跳
// ============================================================================

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	a.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	workerID, gen := a.session()
	running := a.runningIDs()

	m := a.sampler.Sample()
	m.RunningTasks = len(running)
	d, err := a.client.Heartbeat(ctx, workerID, m, running)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Printf("[agent.heartbeat.failed] worker_id=%s error=%v", workerID, err)
		if sessionLost(err) {
			a.reconnect(ctx, gen)
		}
		return
	}

	for _, id := range d.CancelTasks {
		log.Printf("[agent.directive.cancel] task_id=%s", id)
		a.revoke(id)
	}
	if d.Drain {
		a.mu.Lock()
		if !a.draining {
			log.Printf("[agent.directive.drain] worker_id=%s running=%d", workerID, len(a.running))
		}
		a.draining = true
		a.mu.Unlock()
	}
}

func (a *Agent) runningIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.running))
	for id := range a.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// revoke 终止任务且不回调
func (a *Agent) revoke(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rt, ok := a.running[taskID]; ok {
		rt.revoked = true
		rt.cancel()
	}
}

// ============================================================================
// 领取与执行
// ============================================================================

// pullLoop 按间隔领取任务，排空且无执行中任务时返回
func (a *Agent) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.PollInterval)
	defer ticker.Stop()

	for {
		if a.drained() {
			return
		}
		a.pull(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) drained() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draining && len(a.running) == 0
}

func (a *Agent) pull(ctx context.Context) {
	a.mu.Lock()
	free := a.config.Slots - len(a.running)
	draining := a.draining
	a.mu.Unlock()
	if free <= 0 || draining {
		return
	}

	workerID, gen := a.session()
	tasks, err := a.client.Pull(ctx, workerID, free)
	if err != nil && ctx.Err() == nil {
		log.Printf("[agent.pull.failed] worker_id=%s error=%v", workerID, err)
		if sessionLost(err) {
			a.reconnect(ctx, gen)
			return
		}
	}
	// 部分领取时已分配的任务仍需执行
	for i := range tasks {
		a.start(ctx, workerID, tasks[i])
	}
}

func (a *Agent) start(ctx context.Context, workerID string, t model.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	rt := &runningTask{cancel: cancel}

	a.mu.Lock()
	a.running[t.ID] = rt
	a.mu.Unlock()

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		defer func() {
			cancel()
			a.mu.Lock()
			delete(a.running, t.ID)
			a.mu.Unlock()
		}()
		a.execute(ctx, taskCtx, workerID, t, rt)
	}()
}

// execute 执行单个任务
//
// ctx 为代理生命周期，taskCtx 在任务被撤销时取消。
func (a *Agent) execute(ctx, taskCtx context.Context, workerID string, t model.Task, rt *runningTask) {
	log.Printf("[agent.task.start] task_id=%s job_group_id=%s", t.ID, t.JobGroupID)

	if err := a.client.Callback(ctx, workerID, t.ID, model.TaskStateRunning, nil, nil); err != nil {
		log.Printf("[agent.task.callback.failed] task_id=%s state=running error=%v", t.ID, err)
		return
	}

	logLine := func(level model.LogLevel, line string) {
		if err := a.client.AddLog(ctx, workerID, t.ID, level, line); err != nil && ctx.Err() == nil {
			log.Printf("[agent.task.log.failed] task_id=%s error=%v", t.ID, err)
		}
	}

	cmd, err := ParseCommand(t.Payload)
	if err != nil {
		logLine(model.LogLevelError, err.Error())
		a.finish(ctx, workerID, t.ID, -1)
		return
	}

	code, err := a.executor.Run(taskCtx, cmd, logLine)

	a.mu.Lock()
	revoked := rt.revoked
	a.mu.Unlock()
	switch {
	case revoked:
		log.Printf("[agent.task.revoked] task_id=%s", t.ID)
		return
	case ctx.Err() != nil:
		log.Printf("[agent.task.aborted] task_id=%s reason=shutdown", t.ID)
		return
	case errors.Is(err, context.DeadlineExceeded):
		logLine(model.LogLevelError, "command timed out after "+cmd.Timeout)
	case err != nil:
		logLine(model.LogLevelError, err.Error())
	}
	a.finish(ctx, workerID, t.ID, code)
}

// finish 回调终态，退出码为 0 时成功
func (a *Agent) finish(ctx context.Context, workerID, taskID string, code int) {
	state := model.TaskStateDone
	if code != 0 {
		state = model.TaskStateFailed
	}
	now := time.Now()
	if err := a.client.Callback(ctx, workerID, taskID, state, &code, &now); err != nil {
		log.Printf("[agent.task.callback.failed] task_id=%s state=%s error=%v", taskID, state, err)
		return
	}
	log.Printf("[agent.task.finish] task_id=%s state=%s exit_state=%d", taskID, state, code)
}
