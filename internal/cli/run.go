// Package cli implements command line interface for turnd.
package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaynet/turnd/internal/auth"
	"github.com/relaynet/turnd/internal/filter"
	"github.com/relaynet/turnd/internal/manage"
	"github.com/relaynet/turnd/internal/reload"
	"github.com/relaynet/turnd/internal/server"
	"github.com/relaynet/turnd/stun"
)

// ListenUDPAndServe listens on laddr and serves incoming packets until the
// listener is closed.
func ListenUDPAndServe(l *zap.Logger, serverNet, laddr string, u *server.Updater) error {
	var (
		c   net.PacketConn
		err error
	)
	opt := u.Get()
	if reuseport.Available() && opt.ReusePort {
		c, err = reuseport.ListenPacket(serverNet, laddr)
	} else {
		c, err = net.ListenPacket(serverNet, laddr)
	}
	if err != nil {
		return err
	}
	opt.Conn = c
	opt.Log = l
	s, err := server.New(opt)
	if err != nil {
		return err
	}
	u.Subscribe(s)
	return s.Serve()
}

func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0"
	}
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, stun.DefaultPort)
	}
	return address
}

// protocolNotSupported reports whether err is a net.OpError wrapping
// EPROTONOSUPPORT, the error a kernel without IPv6 or a given socket
// option returns. Callers use this to decide whether to skip a listen
// address instead of failing outright.
func protocolNotSupported(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	return errors.Is(opErr.Err, syscall.EPROTONOSUPPORT)
}

type credentialElem struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Key      string `mapstructure:"key"`
	Realm    string `mapstructure:"realm"`
}

func parseStaticCredentials(v *viper.Viper, l *zap.Logger, realm string) []auth.Credential {
	var raw []credentialElem
	if keyErr := v.UnmarshalKey("auth.static", &raw); keyErr != nil {
		l.Fatal("failed to parse auth.static config", zap.Error(keyErr))
	}
	credentials := make([]auth.Credential, 0, len(raw))
	for _, c := range raw {
		if c.Realm == "" {
			c.Realm = realm
		}
		cred := auth.Credential{
			Username: c.Username,
			Password: c.Password,
			Realm:    c.Realm,
		}
		if strings.HasPrefix(c.Key, "0x") {
			key, decodeErr := hex.DecodeString(c.Key[2:])
			if decodeErr != nil {
				l.Error("failed to parse credential key",
					zap.String("username", c.Username), zap.Error(decodeErr),
				)
			}
			cred.Key = key
		}
		credentials = append(credentials, cred)
	}
	l.Info("parsed credentials", zap.Int("n", len(credentials)))
	return credentials
}

func parseFilteringRules(v *viper.Viper, l *zap.Logger, key string) (*filter.List, error) {
	log := l.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		log.Error("failed to parse rules", zap.Error(keyErr))
		return nil, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		var action filter.Action
		switch strings.ToLower(rawRule.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			log.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, fmt.Errorf("unknown action %s", rawRule.Action)
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			log.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, ruleErr
		}
		log.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("default action cannot be pass")
	default:
		return nil, errors.New("unknown default action")
	}
	log.Info("default action set", zap.Stringer("action", defaultAction))
	return filter.NewFilter(defaultAction, rules...), nil
}

const keyPrometheusActive = "server.prometheus.active"

func parseOptions(v *viper.Viper, l *zap.Logger, o *server.Options) error {
	o.Realm = v.GetString("server.realm")
	o.Workers = v.GetInt("server.workers")
	o.AuthForSTUN = v.GetBool("auth.stun")
	o.Software = v.GetString("server.software")
	o.ReusePort = v.GetBool("server.reuseport")
	o.DebugCollect = v.GetBool("server.debug.collect")
	o.MetricsEnabled = v.GetBool(keyPrometheusActive)
	o.RelayAddressStart = v.GetInt("server.relay.start")
	o.RelayAddressCount = v.GetInt("server.relay.count")
	if relayIP := v.GetString("server.relay.ip"); relayIP != "" {
		o.RelayListenIP = net.ParseIP(relayIP)
	}
	if o.RelayAddressCount == 0 {
		o.RelayAddressCount = 16384
	}
	if o.RelayAddressStart == 0 {
		o.RelayAddressStart = 49152
	}
	var parseErr error
	if o.PeerRule, parseErr = parseFilteringRules(v, l, "peer"); parseErr != nil {
		l.Error("failed to parse peer rules", zap.Error(parseErr))
		return parseErr
	}
	if o.ClientRule, parseErr = parseFilteringRules(v, l, "client"); parseErr != nil {
		l.Error("failed to parse client rules", zap.Error(parseErr))
		return parseErr
	}
	if o.Software != "" {
		l.Info("will be sending SOFTWARE attribute", zap.String("software", o.Software))
	}
	realm := o.Realm
	if v.GetBool("auth.public") {
		l.Warn("auth is public")
	} else {
		o.Auth = auth.NewDirectory(parseStaticCredentials(v, l, realm))
	}
	return nil
}

// getListeners starts the metrics, pprof and management HTTP endpoints
// described by v, returning a closer for each one actually started.
func getListeners(v *viper.Viper, l *zap.Logger) []func() error {
	var closers []func() error

	reg := prometheus.NewPedanticRegistry()
	if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
		l.Info("config file used", zap.String("path", v.ConfigFileUsed()))
	} else {
		l.Info("default configuration used")
	}
	if strings.Split(v.GetString("version"), ".")[0] != "1" {
		l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
	}

	if prometheusAddr := v.GetString("server.prometheus.addr"); prometheusAddr != "" {
		l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
		promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(l),
			ErrorHandling: promhttp.HTTPErrorOnError,
		})
		srv := &http.Server{Addr: prometheusAddr, Handler: promHandler}
		go func() {
			if listenErr := srv.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
				l.Error("prometheus failed to listen", zap.String("addr", prometheusAddr), zap.Error(listenErr))
			}
		}()
		closers = append(closers, srv.Close)
	} else if v.GetBool(keyPrometheusActive) {
		l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
	}

	if pprofAddr := v.GetString("server.pprof"); pprofAddr != "" {
		l.Warn("running pprof", zap.String("addr", pprofAddr))
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		srv := &http.Server{Addr: pprofAddr, Handler: mux}
		go func() {
			if listenErr := srv.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
				l.Error("pprof failed to listen", zap.String("addr", pprofAddr), zap.Error(listenErr))
			}
		}()
		closers = append(closers, srv.Close)
	}

	n := reload.NewNotifier()
	if apiAddr := v.GetString("api.addr"); apiAddr != "" {
		m := manage.NewManager(l.Named("api"), n)
		srv := &http.Server{Addr: apiAddr, Handler: m}
		go func() {
			l.Info("api listening", zap.String("addr", apiAddr))
			if listenErr := srv.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
				l.Error("failed to listen on management API addr", zap.String("addr", apiAddr), zap.Error(listenErr))
			}
		}()
		closers = append(closers, srv.Close)
	}

	return closers
}

func getRoot(v *viper.Viper, listenFunc func(log *zap.Logger, serverNet, laddr string, u *server.Updater) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnd",
		Short: "turnd is a STUN and TURN relay server",
		Run: func(cmd *cobra.Command, args []string) {
			l := getLogger(v)
			if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
				l.Info("config file used", zap.String("path", v.ConfigFileUsed()))
			} else {
				l.Info("default configuration used")
			}
			if strings.Split(v.GetString("version"), ".")[0] != "1" {
				l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
			}

			reg := prometheus.NewPedanticRegistry()
			if prometheusAddr := v.GetString("server.prometheus.addr"); prometheusAddr != "" {
				l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
				go func() {
					promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
						ErrorLog:      zap.NewStdLog(l),
						ErrorHandling: promhttp.HTTPErrorOnError,
					})
					if listenErr := http.ListenAndServe(prometheusAddr, promHandler); listenErr != nil {
						l.Error("prometheus failed to listen", zap.String("addr", prometheusAddr), zap.Error(listenErr))
					}
				}()
			} else {
				v.SetDefault(keyPrometheusActive, false)
				if v.GetBool(keyPrometheusActive) {
					l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
				}
			}
			if pprofAddr := v.GetString("server.pprof"); pprofAddr != "" {
				l.Warn("running pprof", zap.String("addr", pprofAddr))
				go func() {
					mux := http.NewServeMux()
					mux.HandleFunc("/debug/pprof/", pprof.Index)
					mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
					mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
					mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
					mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
					if listenErr := http.ListenAndServe(pprofAddr, mux); listenErr != nil {
						l.Error("pprof failed to listen", zap.String("addr", pprofAddr), zap.Error(listenErr))
					}
				}()
			}

			o := server.Options{Log: l, Registry: reg}
			if parseErr := parseOptions(v, l, &o); parseErr != nil {
				l.Fatal("failed to parse config", zap.Error(parseErr))
			}
			u := server.NewUpdater(o)
			n := reload.NewNotifier()
			go func() {
				for range n.C {
					l.Info("trying to update config")
					if readErr := v.ReadInConfig(); readErr != nil {
						l.Error("failed to read config", zap.Error(readErr))
						continue
					}
					l.Info("config read", zap.String("path", v.ConfigFileUsed()))
					newOptions := server.Options{Log: l, Registry: reg}
					if parseErr := parseOptions(v, l, &newOptions); parseErr != nil {
						l.Error("failed to parse config", zap.Error(parseErr))
						continue
					}
					u.Set(newOptions)
					l.Info("config updated")
				}
			}()
			if apiAddr := v.GetString("api.addr"); apiAddr != "" {
				m := manage.NewManager(l.Named("api"), n)
				go func() {
					l.Info("api listening", zap.String("addr", apiAddr))
					if listenErr := http.ListenAndServe(apiAddr, m); listenErr != nil {
						l.Error("failed to listen on management API addr", zap.String("addr", apiAddr), zap.Error(listenErr))
					}
				}()
			}

			wg := new(sync.WaitGroup)
			for _, addr := range v.GetStringSlice("server.listen") {
				normalized := normalize(addr)
				l.Info("turnd listening", zap.String("addr", normalized), zap.String("network", "udp"))
				wg.Add(1)
				go func(addr string) {
					defer wg.Done()
					if lErr := listenFunc(l, "udp", addr, u); lErr != nil && !protocolNotSupported(lErr) {
						l.Fatal("failed to listen", zap.Error(lErr))
					}
				}(normalized)
			}
			wg.Wait()
		},
	}
	cmd.Flags().StringSliceP("listen", "l", []string{"0.0.0.0:3478"}, "listen address")
	cmd.Flags().String("pprof", "", "pprof address if specified")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/turnd.yml)")
	mustBind(v.BindPFlag("server.listen", cmd.Flags().Lookup("listen")))
	mustBind(v.BindPFlag("server.pprof", cmd.Flags().Lookup("pprof")))
	// TURN_LISTEN_ADDR/TURN_RELAY_START override the config file/flag
	// defaults for the listen address and first relay port.
	mustBind(v.BindEnv("server.listen", "TURN_LISTEN_ADDR"))
	mustBind(v.BindEnv("server.relay.start", "TURN_RELAY_START"))
	cmd.AddCommand(getKeyCmd(), getReloadCmd(v))
	cobra.OnInitialize(func() { initConfig(v) })
	return cmd
}
