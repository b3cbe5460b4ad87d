package render

// defaultLayout is the liquid layout every newsletter is wrapped in.
const defaultLayout = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width">
<title>{{ subject | escape }}</title>
<style>a { color: {{ site.accent_color }}; }</style>
</head>
<body>
<table role="presentation" width="100%" cellpadding="0" cellspacing="0">
<tr><td>
<p class="site-title"><a href="{{ site.url }}">{{ site.title | escape }}</a></p>
<h1 class="post-title"><a href="{{ post.url }}">{{ post.title | escape }}</a></h1>
{% if post.published_at %}<p class="post-meta">{{ newsletter.name | escape }} &middot; {{ post.published_at | date_locale }}</p>{% endif %}
<div class="post-content">
{{ content }}
</div>
{% if feedback.enabled %}<p class="feedback"><a href="{{ feedback.more_url }}">More like this</a> <a href="{{ feedback.less_url }}">Less like this</a></p>{% endif %}
<p class="footer">{{ site.footer }}</p>
<p class="footer">{{ site.title | escape }} &copy; {{ year }} &middot; <a href="{{ unsubscribe_url }}">Unsubscribe</a></p>
</td></tr>
</table>
</body>
</html>`
