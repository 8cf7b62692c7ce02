package controller

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/cnap-oss/tmux-agents/internal/agentruntime"
	"github.com/cnap-oss/tmux-agents/internal/agentruntime/kube"
	"github.com/cnap-oss/tmux-agents/internal/autoclose"
	"github.com/cnap-oss/tmux-agents/internal/config"
	"github.com/cnap-oss/tmux-agents/internal/reconciler"
	"github.com/cnap-oss/tmux-agents/internal/tmux"
)

// KubeClientFunc는 kubeconfig 경로로 클라이언트를 만듭니다. 빈 경로는 클러스터 내부 설정입니다.
type KubeClientFunc func(kubeconfig string) (kubernetes.Interface, error)

// NewKubeClient는 kubeconfig 또는 in-cluster 설정으로 clientset을 만듭니다.
func NewKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			rules := clientcmd.NewDefaultClientConfigLoadingRules()
			restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load kube config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// BuildOptions는 런타임 구성에 필요한 외부 의존성입니다.
type BuildOptions struct {
	Exec       tmux.Executor
	KubeClient KubeClientFunc
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// Runtimes는 설정으로부터 만든 런타임과 부속 구성요소입니다.
type Runtimes struct {
	Registry *agentruntime.Registry
	// Sessions는 tmux 백엔드의 세션 클라이언트입니다. 키는 백엔드 id입니다.
	Sessions map[string]*tmux.Client
	Kube     map[string]*kube.Backend
	Watchers []*kube.Watcher
	Pool     *kube.Pool
	// Default는 레인이 없는 태스크를 띄울 백엔드 id입니다.
	Default string
}

// BuildRuntimes는 backends 설정마다 런타임을 만들어 레지스트리에 등록합니다.
func BuildRuntimes(cfg *config.Config, opts BuildOptions) (*Runtimes, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.KubeClient == nil {
		opts.KubeClient = NewKubeClient
	}

	out := &Runtimes{
		Registry: agentruntime.NewRegistry(),
		Sessions: make(map[string]*tmux.Client),
		Kube:     make(map[string]*kube.Backend),
	}
	var kubeMetrics *kube.Metrics
	if opts.Registerer != nil {
		kubeMetrics = kube.MustNewMetrics(opts.Registerer)
	}

	for _, b := range cfg.Backends {
		switch agentruntime.BackendType(b.Type) {
		case agentruntime.BackendLocal:
			rt := agentruntime.NewLocal(b.ID, b.Session, opts.Exec, logger)
			out.register(rt, rt.Client())
		case agentruntime.BackendSSH:
			rt := agentruntime.NewSSH(b.ID, b.Session, agentruntime.SSHOptions{
				Host:       b.Host,
				Port:       b.Port,
				ConfigFile: b.SSHConfig,
			}, opts.Exec, logger)
			out.register(rt, rt.Client())
		case agentruntime.BackendDocker:
			rt := agentruntime.NewDocker(b.ID, b.Session, b.Container, opts.Exec, logger)
			out.register(rt, rt.Client())
		case agentruntime.BackendKubernetes:
			client, err := opts.KubeClient(b.Kubeconfig)
			if err != nil {
				return nil, fmt.Errorf("backend %s: %w", b.ID, err)
			}
			backend := kube.NewBackend(b.ID, kube.Config{
				Namespace:      b.Namespace,
				Image:          b.Image,
				ServiceAccount: b.ServiceAccount,
				SessionName:    b.Session,
				Defaults:       b.Resources,
			}, client, opts.Exec, logger)
			if cfg.Pool.Enabled && cfg.Pool.Backend == b.ID {
				out.Pool = kube.NewPool(client, kube.PoolConfig{
					Namespace:   firstNonEmpty(cfg.Pool.Namespace, b.Namespace),
					Deployment:  cfg.Pool.Deployment,
					Image:       firstNonEmpty(cfg.Pool.Image, b.Image),
					SessionName: b.Session,
					Min:         cfg.Pool.Min,
					Max:         cfg.Pool.Max,
					Replicas:    cfg.Pool.Replicas,
				}, opts.Exec, logger, kubeMetrics)
				backend.WithPool(out.Pool)
			}
			if b.Watch {
				out.Watchers = append(out.Watchers, kube.NewWatcher(client, backend.Namespace(), kube.ManagedSelector, logger,
					kube.WithWatcherMetrics(kubeMetrics)))
			}
			out.Kube[b.ID] = backend
			out.register(backend, nil)
		default:
			return nil, fmt.Errorf("%w: %s", agentruntime.ErrUnknownBackend, b.Type)
		}
	}
	if len(cfg.Backends) > 0 {
		out.Default = cfg.Backends[0].ID
	}
	return out, nil
}

func (r *Runtimes) register(rt agentruntime.Runtime, client *tmux.Client) {
	r.Registry.Register(rt)
	if client != nil {
		r.Sessions[rt.ID()] = client
	}
}

// ReconcileSessions는 조정기가 쓰는 서버 조회 함수입니다.
func (r *Runtimes) ReconcileSessions(serverID string) (reconciler.SessionProvider, bool) {
	c, ok := r.Sessions[serverID]
	if !ok {
		return nil, false
	}
	return c, true
}

// AutoCloseSessions는 자동 종료 모니터가 쓰는 서버 조회 함수입니다.
func (r *Runtimes) AutoCloseSessions(serverID string) (autoclose.Session, bool) {
	c, ok := r.Sessions[serverID]
	if !ok {
		return nil, false
	}
	return c, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
