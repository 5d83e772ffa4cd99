package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/samber/mo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmail/marks/internal/config"
	"github.com/quillmail/marks/internal/db"
	"github.com/quillmail/marks/internal/service"
)

const (
	headerToken        = "x-token"
	headerGatewayToken = "x-gateway-token"
	headerGatewayUser  = "x-gateway-user"
)

type (
	UserReq struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required,min=12"`
	}

	ShareReq struct {
		Scope   *string  `json:"scope"`
		Users   []string `json:"users"`
		Domains []string `json:"domains"`
	}

	BookmarkListReq struct {
		IncludeShared    bool     `json:"include_shared"`
		Search           string   `json:"search"`
		Favorite         bool     `json:"favorite"`
		Tags             []string `json:"tags"`
		FolderID         *uint64  `json:"folder_id"`
		FolderVisibility string   `json:"folder_visibility"`
	}

	BookmarkCreateReq struct {
		Title       string    `json:"title"`
		URL         string    `json:"url" validate:"required"`
		Description string    `json:"description"`
		Tags        []string  `json:"tags"`
		Favorite    bool      `json:"favorite"`
		Visibility  string    `json:"visibility"`
		FolderID    *uint64   `json:"folder_id"`
		Share       *ShareReq `json:"share"`
		FetchIcon   bool      `json:"fetch_icon"`
	}

	// Unfile moves the bookmark to the root; it wins over FolderID. Pointer
	// fields distinguish omitted from set.
	BookmarkUpdateReq struct {
		Title       *string   `json:"title"`
		URL         *string   `json:"url"`
		Description *string   `json:"description"`
		Tags        *[]string `json:"tags"`
		Favorite    *bool     `json:"favorite"`
		FolderID    *uint64   `json:"folder_id"`
		Unfile      bool      `json:"unfile"`
		Share       *ShareReq `json:"share"`
		RefreshIcon bool      `json:"refresh_icon"`
	}

	FolderCreateReq struct {
		Name       string  `json:"name" validate:"required"`
		Visibility string  `json:"visibility"`
		ParentID   *uint64 `json:"parent_id"`
		SortOrder  int     `json:"sort_order"`
	}

	FolderUpdateReq struct {
		Name      *string `json:"name"`
		ParentID  *uint64 `json:"parent_id"`
		ToRoot    bool    `json:"to_root"`
		SortOrder *int    `json:"sort_order"`
	}

	DomainSettingReq struct {
		SharedEnabled bool   `json:"shared_enabled"`
		SharedLabel   string `json:"shared_label"`
		MaxPrivate    *int   `json:"max_private"`
		MaxShared     *int   `json:"max_shared"`
		Notes         string `json:"notes"`
	}

	BookmarkResp struct {
		ID          uint64    `json:"id"`
		Title       string    `json:"title"`
		URL         string    `json:"url"`
		Description string    `json:"description,omitempty"`
		Tags        []string  `json:"tags,omitempty"`
		Favorite    bool      `json:"favorite"`
		Visibility  string    `json:"visibility"`
		ShareScope  string    `json:"share_scope,omitempty"`
		FolderID    *uint64   `json:"folder_id,omitempty"`
		Owner       *string   `json:"owner,omitempty"`
		HasFavicon  bool      `json:"has_favicon"`
		CreatedAt   time.Time `json:"created_at"`
	}

	BookmarkListResp struct {
		Private []BookmarkResp `json:"private"`
		Shared  []BookmarkResp `json:"shared"`
	}

	FolderResp struct {
		ID         uint64  `json:"id"`
		Name       string  `json:"name"`
		Visibility string  `json:"visibility"`
		ParentID   *uint64 `json:"parent_id,omitempty"`
		SortOrder  int     `json:"sort_order"`
		Owner      *string `json:"owner,omitempty"`
	}

	FolderListResp struct {
		Private []FolderResp `json:"private"`
		Shared  []FolderResp `json:"shared"`
	}

	ShareResp struct {
		Type    string `json:"type"`
		Target  string `json:"target"`
		Granter string `json:"granter,omitempty"`
	}

	MetaResp struct {
		Domain        string `json:"domain"`
		SharedEnabled bool   `json:"shared_enabled"`
		SharedLabel   string `json:"shared_label"`
		MaxPrivate    int    `json:"max_private"`
		MaxShared     int    `json:"max_shared"`
		PrivateCount  int64  `json:"private_count"`
		SharedCount   int64  `json:"shared_count"`
	}

	ActivityResp struct {
		ID         uint64              `json:"id"`
		Action     string              `json:"action"`
		Actor      string              `json:"actor"`
		BookmarkID *uint64             `json:"bookmark_id,omitempty"`
		FolderID   *uint64             `json:"folder_id,omitempty"`
		Detail     service.EventDetail `json:"detail"`
		CreatedAt  time.Time           `json:"created_at"`
	}

	DomainSettingResp struct {
		Domain        string `json:"domain"`
		SharedEnabled bool   `json:"shared_enabled"`
		SharedLabel   string `json:"shared_label"`
		MaxPrivate    *int   `json:"max_private,omitempty"`
		MaxShared     *int   `json:"max_shared,omitempty"`
		Notes         string `json:"notes,omitempty"`
	}

	CustomValidator struct {
		validator *validator.Validate
	}

	HTTPServer struct {
		db        *gorm.DB
		cfg       *config.Config
		accounts  *service.Accounts
		bookmarks *service.Bookmarks
		settings  *service.SettingsStore
		logger    *zap.SugaredLogger
	}
)

func NewHTTPServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	gdb *gorm.DB,
	accounts *service.Accounts,
	bookmarks *service.Bookmarks,
	settings *service.SettingsStore,
	logger *zap.SugaredLogger,
) *HTTPServer {
	instance := HTTPServer{
		db:        gdb,
		cfg:       cfg,
		accounts:  accounts,
		bookmarks: bookmarks,
		settings:  settings,
		logger:    logger,
	}

	e := instance.router()

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				listen := cfg.Host + ":" + cfg.Port
				if err := e.Start(listen); err != nil && err != http.ErrServerClosed {
					e.Logger.Fatal("shutting down the server")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping HTTP server.")
			return e.Shutdown(ctx)
		},
	})

	return &instance
}

func (s *HTTPServer) router() *echo.Echo {
	e := echo.New()

	e.POST("/auth/register", s.Register)
	e.POST("/auth/login", s.Login)
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })

	bookmarkG := e.Group("/bookmark")
	bookmarkG.POST("/list", s.BookmarkList)
	bookmarkG.POST("", s.BookmarkCreate)
	bookmarkG.PATCH("/:id", s.BookmarkUpdate)
	bookmarkG.DELETE("/:id", s.BookmarkDelete)
	bookmarkG.GET("/:id/shares", s.BookmarkShares)

	folderG := e.Group("/folder")
	folderG.GET("", s.FolderList)
	folderG.POST("", s.FolderCreate)
	folderG.PATCH("/:id", s.FolderUpdate)
	folderG.DELETE("/:id", s.FolderDelete)

	e.GET("/meta", s.Meta)
	e.GET("/activity", s.Activity)

	adminG := e.Group("/admin", s.AdminMiddleware)
	adminG.GET("/domains", s.AdminDomainList)
	adminG.PUT("/domains/:domain", s.AdminDomainSave)
	adminG.DELETE("/domains/:domain", s.AdminDomainDelete)

	e.Use(middleware.CORS())
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	if s.cfg.Debug {
		e.Use(middleware.BodyDump(func(c echo.Context, reqBody, respBody []byte) {
			s.logger.Debugw("request body", "path", c.Path(), "body", string(censorBody(reqBody)))
		}))
	}

	e.Use(s.AuthMiddleware)

	e.Validator = &CustomValidator{validator: validator.New()}

	echo.NotFoundHandler = func(c echo.Context) error {
		return c.NoContent(http.StatusNotFound)
	}

	return e
}

func (s *HTTPServer) Register(c echo.Context) error {
	u := UserReq{}
	if err := BindAndValidate(c, &u); err != nil {
		return err
	}

	token, err := s.accounts.Register(u.Email, u.Password)
	if err != nil {
		return s.httpError(err)
	}
	resp := struct {
		Token string `json:"token"`
	}{
		Token: token,
	}
	return c.JSON(http.StatusOK, &resp)
}

func (s *HTTPServer) Login(c echo.Context) error {
	u := UserReq{}
	if err := BindAndValidate(c, &u); err != nil {
		return err
	}

	token, err := s.accounts.Login(u.Email, u.Password)
	if err != nil {
		if err == service.ErrLoginUserNotFound || err == service.ErrLoginPasswordDoesNotMatch {
			return c.NoContent(http.StatusUnauthorized)
		}
		return s.httpError(err)
	}
	resp := struct {
		Token string `json:"token"`
	}{
		Token: token,
	}
	return c.JSON(http.StatusOK, &resp)
}

func (s *HTTPServer) BookmarkList(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	req := BookmarkListReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	result, err := s.bookmarks.ListForUser(principal, req.IncludeShared, service.ListFilters{
		Search:           req.Search,
		FavoriteOnly:     req.Favorite,
		Tags:             req.Tags,
		FolderID:         req.FolderID,
		FolderVisibility: req.FolderVisibility,
	})
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, BookmarkListResp{
		Private: bookmarkResps(result.Private),
		Shared:  bookmarkResps(result.Shared),
	})
}

func (s *HTTPServer) BookmarkCreate(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	req := BookmarkCreateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	model, err := s.bookmarks.CreateBookmark(principal, service.BookmarkCreateReq{
		Title:       req.Title,
		URL:         req.URL,
		Description: req.Description,
		Tags:        req.Tags,
		Favorite:    req.Favorite,
		Visibility:  req.Visibility,
		FolderID:    req.FolderID,
		Share:       shareInput(req.Share),
		FetchIcon:   req.FetchIcon,
	})
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, bookmarkResp(model))
}

func (s *HTTPServer) BookmarkUpdate(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	req := BookmarkUpdateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	update := service.BookmarkUpdateReq{
		Title:       optString(req.Title),
		URL:         optString(req.URL),
		Description: optString(req.Description),
		Favorite:    optBool(req.Favorite),
		Share:       shareInput(req.Share),
		RefreshIcon: req.RefreshIcon,
	}
	if req.Tags != nil {
		update.Tags = mo.Some(*req.Tags)
	}
	if req.Unfile {
		update.FolderID = mo.Some[*uint64](nil)
	} else if req.FolderID != nil {
		update.FolderID = mo.Some(req.FolderID)
	}

	model, err := s.bookmarks.UpdateBookmark(principal, id, update)
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, bookmarkResp(model))
}

func (s *HTTPServer) BookmarkDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	if err := s.bookmarks.DeleteBookmark(principal, id); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) BookmarkShares(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	rows, err := s.bookmarks.GetBookmarkShares(principal, id)
	if err != nil {
		return s.httpError(err)
	}

	resp := make([]ShareResp, len(rows))
	for i := range rows {
		resp[i] = ShareResp{
			Type:    rows[i].GrantType,
			Target:  rows[i].Target,
			Granter: rows[i].Granter,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) FolderList(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	result, err := s.bookmarks.FoldersForUser(principal)
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, FolderListResp{
		Private: folderResps(result.Private),
		Shared:  folderResps(result.Shared),
	})
}

func (s *HTTPServer) FolderCreate(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	req := FolderCreateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	model, err := s.bookmarks.CreateFolder(principal, service.FolderCreateReq{
		Name:       req.Name,
		Visibility: req.Visibility,
		ParentID:   req.ParentID,
		SortOrder:  req.SortOrder,
	})
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, folderResp(model))
}

func (s *HTTPServer) FolderUpdate(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	req := FolderUpdateReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	update := service.FolderUpdateReq{
		Name: optString(req.Name),
	}
	if req.ToRoot {
		update.ParentID = mo.Some[*uint64](nil)
	} else if req.ParentID != nil {
		update.ParentID = mo.Some(req.ParentID)
	}
	if req.SortOrder != nil {
		update.SortOrder = mo.Some(*req.SortOrder)
	}

	model, err := s.bookmarks.UpdateFolder(principal, id, update)
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, folderResp(model))
}

func (s *HTTPServer) FolderDelete(c echo.Context) error {
	id, err := GetAndParseParam(c, "id")
	if err != nil {
		return err
	}
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	if err := s.bookmarks.DeleteFolder(principal, id); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *HTTPServer) Meta(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	meta, err := s.bookmarks.MetaForUser(principal)
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, MetaResp{
		Domain:        meta.Domain,
		SharedEnabled: meta.SharedEnabled,
		SharedLabel:   meta.SharedLabel,
		MaxPrivate:    meta.MaxPrivate,
		MaxShared:     meta.MaxShared,
		PrivateCount:  meta.PrivateCount,
		SharedCount:   meta.SharedCount,
	})
}

func (s *HTTPServer) Activity(c echo.Context) error {
	principal, err := GetPrincipal(c)
	if err != nil {
		return err
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid query param 'limit'")
		}
		limit = parsed
	}

	entries, err := s.bookmarks.ActivityForUser(principal, limit)
	if err != nil {
		return s.httpError(err)
	}

	resp := make([]ActivityResp, len(entries))
	for i := range entries {
		resp[i] = ActivityResp{
			ID:         entries[i].ID,
			Action:     entries[i].Action,
			Actor:      entries[i].Actor,
			BookmarkID: entries[i].BookmarkID,
			FolderID:   entries[i].FolderID,
			Detail:     entries[i].Detail,
			CreatedAt:  entries[i].CreatedAt,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) AdminDomainList(c echo.Context) error {
	rows, err := s.settings.List()
	if err != nil {
		return s.httpError(err)
	}

	resp := make([]DomainSettingResp, len(rows))
	for i := range rows {
		resp[i] = domainSettingResp(&rows[i])
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) AdminDomainSave(c echo.Context) error {
	domain, err := GetParam(c, "domain")
	if err != nil {
		return err
	}

	req := DomainSettingReq{}
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	row, err := s.settings.Save(domain, service.SettingsInput{
		SharedEnabled: req.SharedEnabled,
		SharedLabel:   req.SharedLabel,
		MaxPrivate:    req.MaxPrivate,
		MaxShared:     req.MaxShared,
		Notes:         req.Notes,
	})
	if err != nil {
		return s.httpError(err)
	}

	return c.JSON(http.StatusOK, domainSettingResp(row))
}

func (s *HTTPServer) AdminDomainDelete(c echo.Context) error {
	domain, err := GetParam(c, "domain")
	if err != nil {
		return err
	}

	if err := s.settings.Delete(domain); err != nil {
		return s.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AuthMiddleware resolves the acting principal: either a session token
// looked up in the account store, or the trusted gateway path that pairs
// the pre-shared token with a caller-supplied username.
func (s *HTTPServer) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Path() == "/auth/register" || c.Path() == "/auth/login" || c.Path() == "/ping" {
			return next(c)
		}
		// Admin routes authenticate with the pre-shared token alone in
		// AdminMiddleware; requiring a principal here would shadow it.
		if strings.HasPrefix(c.Path(), "/admin") {
			return next(c)
		}

		token := headerValue(c, headerToken)
		if token != "" {
			user := db.User{}
			res := s.db.Where("token = ?", token).First(&user)
			if res.Error != nil {
				c.Logger().Error(errors.Wrap(res.Error, "find user in db"))
				return c.NoContent(http.StatusUnauthorized)
			}
			c.Set("principal", user.Email)
			return next(c)
		}

		gwToken := headerValue(c, headerGatewayToken)
		gwUser := headerValue(c, headerGatewayUser)
		if s.cfg.AdminToken != "" && gwToken == s.cfg.AdminToken && gwUser != "" {
			c.Set("principal", gwUser)
			return next(c)
		}

		return c.NoContent(http.StatusUnauthorized)
	}
}

// AdminMiddleware guards the domain-settings surface with the pre-shared
// token alone.
func (s *HTTPServer) AdminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.AdminToken == "" || headerValue(c, headerGatewayToken) != s.cfg.AdminToken {
			return c.NoContent(http.StatusUnauthorized)
		}
		return next(c)
	}
}

// httpError maps typed domain errors to 400 with their display message;
// anything else is masked unless debug mode is on.
func (s *HTTPServer) httpError(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := service.AsDomain(err); ok {
		return echo.NewHTTPError(http.StatusBadRequest, de.Message)
	}
	s.logger.Errorw("request failed", "error", err)
	if s.cfg.Debug {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

////////

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func BindAndValidate(c echo.Context, v interface{}) error {
	var err error
	if err = c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err = c.Validate(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func GetPrincipal(c echo.Context) (string, error) {
	principal, _ := c.Get("principal").(string)
	if principal == "" {
		return "", errors.New("no principal found in context")
	}
	return principal, nil
}

func GetParam(c echo.Context, name string) (string, error) {
	value := c.Param(name)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return value, nil
}

func GetAndParseParam(c echo.Context, name string) (uint64, error) {
	v, e := GetParam(c, name)
	if e != nil {
		return 0, e
	}
	vv, e := strconv.ParseUint(v, 10, 64)
	if e != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid path param '"+name+"'")
	}
	return vv, nil
}

func headerValue(c echo.Context, name string) string {
	for key, values := range c.Request().Header {
		if strings.ToLower(key) == name && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

func shareInput(req *ShareReq) service.ShareInput {
	if req == nil {
		return service.ShareInput{}
	}
	return service.ShareInput{
		Scope:   optString(req.Scope),
		Users:   req.Users,
		Domains: req.Domains,
	}
}

func optString(v *string) mo.Option[string] {
	if v == nil {
		return mo.None[string]()
	}
	return mo.Some(*v)
}

func optBool(v *bool) mo.Option[bool] {
	if v == nil {
		return mo.None[bool]()
	}
	return mo.Some(*v)
}

func bookmarkResp(b *db.Bookmark) BookmarkResp {
	return BookmarkResp{
		ID:          b.ID,
		Title:       b.Title,
		URL:         b.URL,
		Description: b.Description,
		Tags:        service.ParseTags(b.Tags).Items(),
		Favorite:    b.Favorite,
		Visibility:  b.Visibility,
		ShareScope:  b.ShareScope,
		FolderID:    b.FolderID,
		Owner:       b.Owner,
		HasFavicon:  b.FaviconHash != "",
		CreatedAt:   b.CreatedAt,
	}
}

func bookmarkResps(in []db.Bookmark) []BookmarkResp {
	out := make([]BookmarkResp, len(in))
	for i := range in {
		out[i] = bookmarkResp(&in[i])
	}
	return out
}

func folderResp(f *db.Folder) FolderResp {
	return FolderResp{
		ID:         f.ID,
		Name:       f.Name,
		Visibility: f.Visibility,
		ParentID:   f.ParentID,
		SortOrder:  f.SortOrder,
		Owner:      f.Owner,
	}
}

func folderResps(in []db.Folder) []FolderResp {
	out := make([]FolderResp, len(in))
	for i := range in {
		out[i] = folderResp(&in[i])
	}
	return out
}

func domainSettingResp(row *db.DomainSetting) DomainSettingResp {
	return DomainSettingResp{
		Domain:        row.Domain,
		SharedEnabled: row.SharedEnabled,
		SharedLabel:   row.SharedLabel,
		MaxPrivate:    row.MaxPrivate,
		MaxShared:     row.MaxShared,
		Notes:         row.Notes,
	}
}

func censorBody(body []byte) []byte {
	parsed := map[string]interface{}{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	if _, ok := parsed["password"]; ok {
		parsed["password"] = "$censored"
	}
	censored, err := json.Marshal(parsed)
	if err != nil {
		return body
	}
	return censored
}
