package router

import (
	"github.com/beego/beego/v2/server/web"
	"github.com/fiftyfive/backend-go/app/controllers"
	"github.com/fiftyfive/backend-go/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init 注册全部路由，必须在配置加载与控制器注入之后调用
func Init() {
	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{}, "get:Health")

	if config.AppConfig.Prometheus.Enabled {
		web.Handler("/metrics", promhttp.Handler())
	}

	// 注册登录与账号自助
	authCtrl := &controllers.AuthController{}
	web.Router("/api/auth/register", authCtrl, "post:Register")
	web.Router("/api/auth/login", authCtrl, "post:Login")

	account := &controllers.AccountController{}
	web.Router("/api/account/api-keys", account, "get:ListAPIKeys;post:CreateAPIKey")
	web.Router("/api/account/api-keys/:key_id", account, "delete:RevokeAPIKey")

	// 生成任务
	generation := &controllers.GenerationController{}
	web.Router("/api/generation/voice", generation, "post:SubmitVoice")
	web.Router("/api/generation/image", generation, "post:SubmitImage")
	web.Router("/api/generation/jobs", generation, "get:List")
	web.Router("/api/generation/jobs/:job_id", generation, "get:GetStatus")
	web.Router("/api/generation/jobs/:job_id/cancel", generation, "post:Cancel")

	// 积分与推荐
	credit := &controllers.CreditController{}
	web.Router("/api/credits/balance", credit, "get:GetBalance")
	web.Router("/api/credits/referral", credit, "get:GetReferralStats")

	// 管理端
	admin := &controllers.AdminController{}
	web.Router("/api/admin/balance/adjust", admin, "post:AdjustBalance")
	web.Router("/api/admin/packages", admin, "get:ListPackages;post:AddPackage")
	web.Router("/api/admin/packages/:package_id", admin, "put:UpdatePackage;delete:DeletePackage")
	web.Router("/api/admin/jobs/:job_id/cancel", admin, "post:CancelJob")
	web.Router("/api/admin/provider-keys", admin, "get:ListProviderKeys;post:CreateProviderKey")
	web.Router("/api/admin/provider-keys/:key_id", admin, "delete:DeleteProviderKey")
	web.Router("/api/admin/provider-keys/:key_id/active", admin, "patch:SetProviderKeyActive")
	web.Router("/api/admin/limiter/resync", admin, "post:Resync")
	web.Router("/api/admin/limiter/reset", admin, "post:ResetCounters")
	web.Router("/api/admin/limiter/snapshot", admin, "get:CounterSnapshot")
	web.Router("/api/admin/events", admin, "get:ListEvents")
}
