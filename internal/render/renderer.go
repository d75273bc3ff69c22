// Package render содержит контракт рендеринга публичной страницы приглашения
// и хранилище готовых артефактов. Сервис публикации обращается с результатом
// рендеринга как с непрозрачными байтами.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"

	"github.com/invitaly/publication-system/internal/model"
)

// Renderer преобразует содержимое черновика в самодостаточный публичный документ.
type Renderer interface {
	Render(ctx context.Context, draft *model.Draft) ([]byte, error)
}

// AssetResolver выдаёт подписанные публичные ссылки на ресурсы черновика.
type AssetResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// NoopAssetResolver возвращает ссылку как есть; используется, когда хранилище
// ресурсов не требует подписанного доступа.
type NoopAssetResolver struct{}

// Resolve возвращает ref без изменений.
func (NoopAssetResolver) Resolve(_ context.Context, ref string) (string, error) {
	return ref, nil
}

const assetScheme = "asset://"

// ResolveAssetRefs заменяет в содержимом черновика все ссылки вида asset://
// на подписанные URL, полученные от резолвера. Содержимое обходится как
// произвольный JSON; нестроковые значения не изменяются.
func ResolveAssetRefs(ctx context.Context, content json.RawMessage, resolver AssetResolver) (json.RawMessage, error) {
	if len(content) == 0 || resolver == nil {
		return content, nil
	}

	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal draft content: %w", err)
	}

	resolved, err := resolveValue(ctx, doc, resolver)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal resolved content: %w", err)
	}

	return out, nil
}

func resolveValue(ctx context.Context, v any, resolver AssetResolver) (any, error) {
	switch val := v.(type) {
	case string:
		if len(val) > len(assetScheme) && val[:len(assetScheme)] == assetScheme {
			url, err := resolver.Resolve(ctx, val[len(assetScheme):])
			if err != nil {
				return nil, fmt.Errorf("resolve asset %q: %w", val, err)
			}
			return url, nil
		}
		return val, nil
	case map[string]any:
		for k, item := range val {
			resolved, err := resolveValue(ctx, item, resolver)
			if err != nil {
				return nil, err
			}
			val[k] = resolved
		}
		return val, nil
	case []any:
		for i, item := range val {
			resolved, err := resolveValue(ctx, item, resolver)
			if err != nil {
				return nil, err
			}
			val[i] = resolved
		}
		return val, nil
	default:
		return val, nil
	}
}

var snapshotTemplate = template.Must(template.New("publication").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Invitación</title>
</head>
<body>
<script id="invitation-data" type="application/json">{{.Content}}</script>
<div id="invitation-root"></div>
</body>
</html>
`))

// SnapshotRenderer упаковывает содержимое черновика в самодостаточную
// HTML-страницу со встроенным JSON. Вёрстку страницы выполняет клиентский
// код, встроенный на стороне раздачи.
type SnapshotRenderer struct {
	assets AssetResolver
}

// NewSnapshotRenderer создаёт рендерер с указанным резолвером ресурсов.
func NewSnapshotRenderer(assets AssetResolver) *SnapshotRenderer {
	if assets == nil {
		assets = NoopAssetResolver{}
	}
	return &SnapshotRenderer{assets: assets}
}

// Render возвращает готовый публичный документ для черновика.
func (r *SnapshotRenderer) Render(ctx context.Context, draft *model.Draft) ([]byte, error) {
	content, err := ResolveAssetRefs(ctx, draft.Content, r.assets)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	data := struct{ Content template.JS }{Content: template.JS(content)}
	if err := snapshotTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}

	return buf.Bytes(), nil
}
