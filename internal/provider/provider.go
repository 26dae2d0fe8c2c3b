package provider

// Provider 把“站点结构”限制在 provider 包内部；抓取流程只依赖统一接口。
//
// 约束：
// - 所有方法都是纯函数：不做网络请求、缓存、重试、限速（由 fetch/httpx 层统一实现）
// - ParseIndex 在页面没有任何缩略图时返回空切片与 nil 错误，调用方据此停止翻页
// - ParseImage 返回 "" 且 err==nil 表示索引页中的链接本身就是图片地址
type Provider interface {
	Name() string
	// IndexURL 返回图集第 page 页（从 0 开始）的地址。
	IndexURL(gallery string, page int) string
	// ParseIndex 从索引页提取图片详情页（或图片）的绝对地址，保持页面顺序。
	ParseIndex(html []byte, pageURL string) ([]string, error)
	// ParseImage 从图片详情页提取原图地址。
	ParseImage(html []byte, pageURL string) (string, error)
}

// LinkIsImage 由“索引链接直接指向图片”的 provider 实现，抓取流程据此跳过详情页。
type LinkIsImage interface {
	LinkIsImage() bool
}
